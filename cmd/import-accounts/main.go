// Package main imports world accounts and operator logins from a YAML seed
// file. World account passwords are sealed; operator passwords are hashed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/worldlink/internal/config"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/secrets"
	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
)

// seedFile is the YAML layout:
//
//	accounts:
//	  - label: main
//	    first_name: Ada
//	    last_name: Resident
//	    login_uri: https://login.example/cgi-bin/login.cgi
//	    start: last
//	    password_env: ADA_PASSWORD
//	operators:
//	  - username: root
//	    password_env: ROOT_PASSWORD
//	    role: admin
type seedFile struct {
	Accounts  []seedAccount  `yaml:"accounts"`
	Operators []seedOperator `yaml:"operators"`
}

type seedOperator struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
	// Role defaults to user.
	Role string `yaml:"role"`
}

func (o seedOperator) validate() error {
	if o.Username == "" {
		return errors.New("operator: username is required")
	}
	if o.Role != "" && !postgres.ValidRole(o.Role) {
		return fmt.Errorf("operator %q: invalid role %q", o.Username, o.Role)
	}
	return nil
}

type seedAccount struct {
	Label     string `yaml:"label"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	LoginURI  string `yaml:"login_uri"`
	Start     string `yaml:"start"`
	// Password is accepted for local development; PasswordEnv names an
	// environment variable and wins when both are set.
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
}

func (s seedAccount) password() (string, error) {
	return resolvePassword("account "+strconv.Quote(s.Label), s.Password, s.PasswordEnv)
}

func (o seedOperator) password() (string, error) {
	return resolvePassword("operator "+strconv.Quote(o.Username), o.Password, o.PasswordEnv)
}

func resolvePassword(who, literal, env string) (string, error) {
	if env != "" {
		pw, ok := os.LookupEnv(env)
		if !ok {
			return "", fmt.Errorf("%s: environment variable %s is not set", who, env)
		}
		return pw, nil
	}
	if literal == "" {
		return "", fmt.Errorf("%s: no password", who)
	}
	return literal, nil
}

// importOperator creates the operator if needed and applies its role.
func importOperator(ctx context.Context, repo *postgres.OperatorRepository, o seedOperator, password string) (postgres.Operator, error) {
	op, err := repo.Create(ctx, o.Username, password)
	if errors.Is(err, postgres.ErrOperatorExists) {
		op, err = repo.GetByUsername(ctx, o.Username)
	}
	if err != nil {
		return postgres.Operator{}, err
	}
	if o.Role != "" && o.Role != op.Role {
		if err := repo.SetRole(ctx, op.ID, o.Role); err != nil {
			return postgres.Operator{}, fmt.Errorf("setting role: %w", err)
		}
		op.Role = o.Role
	}
	return op, nil
}

func loadSeed(path string) (seedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return seedFile{}, fmt.Errorf("reading seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return seedFile{}, fmt.Errorf("parsing seed file: %w", err)
	}
	return seed, nil
}

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	seedPath := flag.String("accounts", "configs/accounts.yaml", "path to the account seed YAML")
	dryRun := flag.Bool("dry-run", false, "parse and validate without writing")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging, "import-accounts")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	seed, err := loadSeed(*seedPath)
	if err != nil {
		logger.Fatal("loading accounts", zap.Error(err))
	}
	inputs := make([]postgres.NewWorldAccount, 0, len(seed.Accounts))
	for _, s := range seed.Accounts {
		pw, err := s.password()
		if err != nil {
			logger.Fatal("resolving password", zap.Error(err))
		}
		inputs = append(inputs, postgres.NewWorldAccount{
			Label:     s.Label,
			FirstName: s.FirstName,
			LastName:  s.LastName,
			LoginURI:  s.LoginURI,
			Start:     s.Start,
			Password:  pw,
		})
	}
	opPasswords := make([]string, len(seed.Operators))
	for i, o := range seed.Operators {
		if err := o.validate(); err != nil {
			logger.Fatal("validating operator", zap.Error(err))
		}
		pw, err := o.password()
		if err != nil {
			logger.Fatal("resolving password", zap.Error(err))
		}
		opPasswords[i] = pw
	}
	if *dryRun {
		logger.Info("dry run",
			zap.Int("accounts", len(inputs)),
			zap.Int("operators", len(seed.Operators)),
		)
		return
	}

	key, err := cfg.Secrets.KeyBytes()
	if err != nil {
		logger.Fatal("reading secrets key", zap.Error(err))
	}
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer pool.Close()

	repo := postgres.NewAccountRepository(pool.DB(), secrets.NewSealer(key))
	for _, in := range inputs {
		acct, err := repo.Upsert(ctx, in)
		if err != nil {
			logger.Fatal("importing account", zap.String("label", in.Label), zap.Error(err))
		}
		logger.Info("imported account",
			zap.String("account_id", acct.ID.String()),
			zap.String("label", acct.Label),
		)
	}
	operators := postgres.NewOperatorRepository(pool.DB())
	for i, o := range seed.Operators {
		op, err := importOperator(ctx, operators, o, opPasswords[i])
		if err != nil {
			logger.Fatal("importing operator", zap.String("username", o.Username), zap.Error(err))
		}
		logger.Info("imported operator",
			zap.Int64("operator_id", op.ID),
			zap.String("username", op.Username),
			zap.String("role", op.Role),
		)
	}
	logger.Info("import complete",
		zap.Int("accounts", len(inputs)),
		zap.Int("operators", len(seed.Operators)),
		zap.Duration("elapsed", time.Since(start)),
	)
}
