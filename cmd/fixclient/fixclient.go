// Package fixclient provides the CLI for repairing the CRM web client
// configuration and verifying role claims end to end.
package fixclient

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/crm-platform/keycloak-setup/internal/keycloak"
	"github.com/crm-platform/keycloak-setup/internal/provision"
	"github.com/crm-platform/keycloak-setup/internal/verify"
)

// Run executes the fix-client command with the given arguments
func Run(args []string) {
	fs := flag.NewFlagSet("fix-client", flag.ExitOnError)
	opts := &Options{}
	opts.BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	var zapLog *zap.Logger
	var err error
	if opts.Verbose {
		zapLog, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		zapLog, err = cfg.Build()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	log := zapr.NewLogger(zapLog)

	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	if err := runFix(ctx, opts, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runFix(ctx context.Context, opts *Options, log logr.Logger) error {
	kc := keycloak.NewClient(keycloak.Config{
		BaseURL:  opts.URL,
		Username: opts.Username,
		Password: opts.Password,
		Observe:  provision.RecordAPIRequest,
	}, log)

	fmt.Println("1. Getting admin token...")
	if err := kc.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Keycloak at %s: %w", opts.URL, err)
	}
	fmt.Println("   ✅ Got token")

	// The client UUID is the prerequisite for everything below.
	fmt.Printf("2. Finding %s client...\n", opts.Client)
	client, err := kc.GetClientByClientID(ctx, opts.Realm, opts.Client)
	if err != nil {
		return fmt.Errorf("client lookup failed: %w", err)
	}
	clientUUID := *client.ID
	fmt.Printf("   ✅ Client UUID: %s\n", clientUUID)

	fmt.Println("3. Updating client config...")
	rep, err := kc.GetClientRaw(ctx, opts.Realm, clientUUID)
	if err != nil {
		return fmt.Errorf("client fetch failed: %w", err)
	}
	rep["fullScopeAllowed"] = true
	rep["directAccessGrantsEnabled"] = true
	rep["publicClient"] = true
	if err := kc.UpdateClient(ctx, opts.Realm, clientUUID, rep); err != nil {
		fmt.Printf("   ❌ Update failed: %v\n", err)
	} else {
		fmt.Println("   ✅ Updated")
	}

	fmt.Printf("4. Finding %s...\n", opts.User)
	user, err := kc.GetUserByUsername(ctx, opts.Realm, opts.User)
	if err != nil {
		return fmt.Errorf("user lookup failed: %w", err)
	}
	fmt.Printf("   ✅ User ID: %s\n", *user.ID)

	fmt.Printf("5. Getting %s role...\n", opts.Role)
	role, err := kc.GetRealmRole(ctx, opts.Realm, opts.Role)
	if err != nil {
		return fmt.Errorf("role lookup failed: %w", err)
	}
	fmt.Printf("   ✅ Role ID: %s\n", *role.ID)

	fmt.Printf("6. Assigning %s to %s...\n", opts.Role, opts.User)
	err = kc.AddRealmRoleMappings(ctx, opts.Realm, *user.ID, []keycloak.RoleRepresentation{
		{ID: role.ID, Name: role.Name},
	})
	if err != nil {
		fmt.Printf("   ⚠️ Assign failed: %v\n", err)
	} else {
		fmt.Println("   ✅ Assigned")
	}

	fmt.Println("7. Verifying token has roles...")
	v := verify.New(opts.URL, opts.Realm, opts.Client, log)
	result := v.Verify(ctx, []verify.Check{{
		Username:   opts.User,
		Password:   opts.UserPassword,
		ExpectRole: opts.Role,
	}})[0]
	if result.Err != nil {
		return fmt.Errorf("token verification failed: %w", result.Err)
	}

	fmt.Printf("   roles: %s\n", strings.Join(result.Roles, ", "))
	if result.RoleOK {
		fmt.Printf("   ✅ %s found in token!\n", opts.Role)
	} else {
		fmt.Printf("   ❌ %s NOT in token\n", opts.Role)
	}

	fmt.Println("\n✅ Done!")
	return nil
}
