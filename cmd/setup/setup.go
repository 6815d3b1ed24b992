// Package setup provides the CLI for provisioning the multi-tenant CRM realm.
package setup

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

// Run executes the setup command with the given arguments
func Run(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	opts := &Options{}
	opts.BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(opts.Verbose)

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

	if err := runSetup(ctx, opts, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) logr.Logger {
	var zapLog *zap.Logger
	var err error
	if verbose {
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
	return zapr.NewLogger(zapLog)
}

func runSetup(ctx context.Context, opts *Options, log logr.Logger) error {
	target := provision.DefaultTarget()
	if opts.TargetFile != "" {
		var err error
		target, err = provision.LoadTarget(opts.TargetFile)
		if err != nil {
			return err
		}
	}
	if opts.Realm != "" {
		target.Realm = opts.Realm
	}

	kc := keycloak.NewClient(keycloak.Config{
		BaseURL:  opts.URL,
		Username: opts.Username,
		Password: opts.Password,
		Observe:  provision.RecordAPIRequest,
	}, log)

	// Admin credential is the prerequisite for everything else.
	if err := kc.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Keycloak at %s: %w", opts.URL, err)
	}

	report := provision.NewReport(os.Stdout)
	report.Banner("Keycloak Multi-tenant CRM Setup")
	fmt.Println("\n✅ Admin token acquired")

	p := provision.New(kc, target, log, report)
	if err := p.Run(ctx); err != nil {
		return err
	}

	if !opts.SkipVerify {
		runVerification(ctx, opts, target, log, report)
	}

	report.Summary(target)
	return nil
}

// runVerification re-authenticates as each provisioned principal and checks
// the issued token claims. Failures here are findings about the provisioned
// state, not errors of the run.
func runVerification(ctx context.Context, opts *Options, target provision.Target, log logr.Logger, report *provision.Report) {
	report.Section("Verify token claims")

	v := verify.New(opts.URL, target.Realm, target.ClientID, log)

	var checks []verify.Check
	for _, user := range target.Users {
		check := verify.Check{
			Username: user.Username,
			Password: user.Password,
		}
		if len(user.Roles) > 0 {
			check.ExpectRole = user.Roles[0]
		}
		if _, ok := user.Attributes[target.Mapper.Attribute]; ok {
			check.ExpectClaim = target.Mapper.Attribute
		}
		checks = append(checks, check)
	}
	if target.LegacyCleanup != nil {
		checks = append(checks, verify.Check{
			Username:    target.LegacyCleanup.Username,
			Password:    target.LegacyCleanup.Password,
			ExpectRole:  target.LegacyCleanup.AssignRole,
			ExpectClaim: target.Mapper.Attribute,
		})
	}

	for _, result := range v.Verify(ctx, checks) {
		if result.Err != nil {
			report.Failf("%s token test failed: %v", result.Username, result.Err)
			continue
		}
		report.Infof("%s token:", result.Username)
		report.Infof("  roles: %s", strings.Join(result.VisibleRoles(), ", "))
		if result.ClaimValue != "" {
			report.Infof("  %s: %s", target.Mapper.Attribute, result.ClaimValue)
		}
		switch {
		case result.OK():
			report.Okf("%s token verified", result.Username)
		case result.RoleOK:
			report.Warnf("%s roles OK but expected claim missing from token", result.Username)
		default:
			report.Failf("%s: expected role not in token roles", result.Username)
		}
	}
}
