package setup

import (
	"flag"
	"fmt"
	"os"
)

// Options holds the setup command options
type Options struct {
	// Connection options
	URL      string
	Username string
	Password string

	// Target options
	Realm      string
	TargetFile string

	// Verification options
	SkipVerify bool

	// General options
	Verbose bool
}

// BindFlags binds the options to the given flag set
func (o *Options) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.URL, "url", "http://localhost:8080", "Keycloak server URL")
	fs.StringVar(&o.Username, "username", "admin", "Keycloak admin username")
	fs.StringVar(&o.Password, "password", "", "Keycloak admin password (use env var KEYCLOAK_PASSWORD for security)")

	fs.StringVar(&o.Realm, "realm", "", "Override the target realm name")
	fs.StringVar(&o.TargetFile, "target", "", "YAML file overriding the built-in target state")

	fs.BoolVar(&o.SkipVerify, "skip-verify", false, "Skip the token verification phase")
	fs.BoolVar(&o.Verbose, "verbose", false, "Enable verbose output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: keycloak-setup setup [options]

Provision the multi-tenant CRM realm: create the new realm roles, remove the
old ones, create the admin users, attach the company_id protocol mapper to
the web client, apply the session/password policies, and verify the result
by decoding freshly issued tokens.

Options:

`)
		fs.PrintDefaults()
	}
}

// Validate validates the options
func (o *Options) Validate() error {
	if o.Password == "" {
		o.Password = os.Getenv("KEYCLOAK_PASSWORD")
	}
	if o.Password == "" {
		return fmt.Errorf("--password is required (or set KEYCLOAK_PASSWORD env var)")
	}
	if o.URL == "" {
		return fmt.Errorf("--url is required")
	}
	return nil
}
