package postgres

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("secret123")
	assert.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, "secret123", hash)
}

func TestCheckPassword_Correct(t *testing.T) {
	hash, err := HashPassword("mypassword")
	assert.NoError(t, err)
	assert.True(t, CheckPassword("mypassword", hash))
}

func TestCheckPassword_Wrong(t *testing.T) {
	hash, err := HashPassword("mypassword")
	assert.NoError(t, err)
	assert.False(t, CheckPassword("wrongpassword", hash))
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole(RoleUser))
	assert.True(t, ValidRole(RoleAdmin))
	assert.False(t, ValidRole(""))
	assert.False(t, ValidRole("superadmin"))
}

func TestAccountDefaults(t *testing.T) {
	in := withAccountDefaults(NewWorldAccount{FirstName: "Ada"})
	assert.Equal(t, "Resident", in.LastName)
	assert.Equal(t, "last", in.Start)
	assert.Equal(t, "Ada Resident", in.Label)

	in = withAccountDefaults(NewWorldAccount{FirstName: "Ada", LastName: "Lace", Label: "alt", Start: "home"})
	assert.Equal(t, "alt", in.Label)
	assert.Equal(t, "home", in.Start)
}

func TestNewWorldAccountValidate(t *testing.T) {
	ok := NewWorldAccount{FirstName: "a", LoginURI: "https://login", Password: "p"}
	assert.NoError(t, ok.validate())
	for _, bad := range []NewWorldAccount{
		{LoginURI: "https://login", Password: "p"},
		{FirstName: "a", Password: "p"},
		{FirstName: "a", LoginURI: "https://login"},
	} {
		assert.Error(t, bad.validate())
	}
}

func TestValidSessionKey(t *testing.T) {
	id := uuid.New()
	assert.True(t, ValidSessionKey(LocalChat))
	assert.True(t, ValidSessionKey(IMSessionKey(id)))
	assert.True(t, ValidSessionKey(GroupSessionKey(id)))
	assert.False(t, ValidSessionKey(""))
	assert.False(t, ValidSessionKey("im:"))
	assert.False(t, ValidSessionKey("im:not-a-uuid"))
	assert.False(t, ValidSessionKey("dm:"+id.String()))
}

// Property: HashPassword always produces a hash that CheckPassword verifies.
func TestPropertyHashAndCheck(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// bcrypt has a max input length of 72 bytes
		password := rapid.StringMatching(`[a-zA-Z0-9!@#$%^&*]{1,64}`).Draw(t, "password")
		hash, err := HashPassword(password)
		if err != nil {
			t.Fatalf("HashPassword failed: %v", err)
		}
		if !CheckPassword(password, hash) {
			t.Fatalf("CheckPassword failed for password %q", password)
		}
	})
}

// Property: every generated id round-trips through both key forms.
func TestPropertySessionKeysValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var b [16]byte
		for i := range b {
			b[i] = rapid.Byte().Draw(t, "b")
		}
		id := uuid.UUID(b)
		if !ValidSessionKey(IMSessionKey(id)) || !ValidSessionKey(GroupSessionKey(id)) {
			t.Fatalf("key for %s rejected", id)
		}
	})
}
