package fixclient

import (
	"flag"
	"fmt"
	"os"
)

// Options holds the fix-client command options
type Options struct {
	URL      string
	Username string
	Password string

	Realm        string
	Client       string
	User         string
	UserPassword string
	Role         string

	Verbose bool
}

// BindFlags binds the options to the given flag set
func (o *Options) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.URL, "url", "http://localhost:8080", "Keycloak server URL")
	fs.StringVar(&o.Username, "username", "admin", "Keycloak admin username")
	fs.StringVar(&o.Password, "password", "", "Keycloak admin password (use env var KEYCLOAK_PASSWORD for security)")

	fs.StringVar(&o.Realm, "realm", "crm-prod", "Realm containing the client")
	fs.StringVar(&o.Client, "client", "crm-web", "Client ID to repair")
	fs.StringVar(&o.User, "user", "admin@crm.local", "Test user to assign the role to")
	fs.StringVar(&o.UserPassword, "user-password", "admin123", "Test user password for token verification")
	fs.StringVar(&o.Role, "role", "owner_admin", "Realm role to assign and verify")

	fs.BoolVar(&o.Verbose, "verbose", false, "Enable verbose output")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: keycloak-setup fix-client [options]

Repair the CRM web client for direct-grant testing: enable fullScopeAllowed,
directAccessGrantsEnabled and publicClient, assign the given realm role to
the test user, and verify the role shows up in an issued token.

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
	return nil
}
