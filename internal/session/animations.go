package session

import "github.com/google/uuid"

// systemAnimationIDs are the built-in animations the viewer itself drives.
// Standing up stops everything else so seat animations do not keep looping.
var systemAnimationIDs = []string{
	"6ed24bd8-91aa-4b12-ccc7-c97c857ab4e0", // walk
	"05ddbff8-aaa9-92a1-2b74-8fe77a29b445", // run
	"47f5f6fb-22e5-ae44-f871-73aaaf4a6022", // crouchwalk
	"aec4610c-757f-bc4e-c092-c6e9caf18daf", // fly
	"2b5a38b2-5e00-3a97-a495-4c826bc443e6", // flyslow
	"4ae8016b-31b9-03bb-c401-b1ea941db41d", // hover
	"62c5de58-cb33-5743-3d07-9e4cd4352864", // hover_up
	"20f063ea-8306-2562-0b07-5c853b37b31e", // hover_down
	"7a17b059-12b2-41b1-570a-186368b6aa6f", // land
	"f4f00d6e-b9fe-9292-f4cb-0ae06ea58d57", // medium_land
	"666307d9-a860-572d-6fd4-c3ab8865c094", // falldown
	"1a5fe8ac-a804-8a5d-7cbd-56bd83184568", // sit
	"1c7600d6-661f-b87b-efe2-d7421eb93c86", // sit_ground
	"1a2bd58e-87ff-0df8-0b4c-53e047b0bb6e", // sit_ground_constrained
	"2408fe9e-df1d-1d7d-f4ff-1384fa7b350f", // stand
	"15468e00-3400-bb66-cecc-646d7c14458e", // stand_1
	"370f3a20-6ca6-9971-848c-9a01bc42ae3c", // stand_2
	"42b46214-4b44-79ae-deb8-0df61424ff4b", // stand_3
	"f22fed8b-a5ed-2c93-64d5-bdd8b93c889f", // stand_4
	"3da1d753-028a-5446-24f3-9c9b856d9422", // standup
	"56e0ba0d-4a9f-7f27-6117-32f2ebbf6135", // turnleft
	"2d6daa51-3192-6794-8e2e-a15f8338ec30", // turnright
	"fd037134-85d4-f241-72c6-4f42164fedee", // away
	"efcf670c-2d18-8128-973a-034ebc806b67", // busy
	"c541c47f-e0c0-058b-ad1a-d6ae3a4584d9", // type
	"201f3fdf-cb1f-dbec-201f-7333e328ae7c", // crouch
	"2305bd75-1ca9-b03b-1faa-b176b8a8c49e", // jump
	"7a4e87fe-de39-6fcb-6223-024b00893244", // prejump
}

var systemAnimations = func() map[uuid.UUID]struct{} {
	m := make(map[uuid.UUID]struct{}, len(systemAnimationIDs))
	for _, s := range systemAnimationIDs {
		m[uuid.MustParse(s)] = struct{}{}
	}
	return m
}()

// SystemAnimations returns a copy of the animations that survive StandUp.
func SystemAnimations() map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(systemAnimations))
	for id := range systemAnimations {
		out[id] = struct{}{}
	}
	return out
}

// IsSystemAnimation reports whether id is on the allow-list.
func IsSystemAnimation(id uuid.UUID) bool {
	_, ok := systemAnimations[id]
	return ok
}
