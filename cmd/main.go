package main

import (
	"fmt"
	"os"

	"github.com/crm-platform/keycloak-setup/cmd/fixclient"
	"github.com/crm-platform/keycloak-setup/cmd/setup"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: keycloak-setup <command> [options]

Commands:
  setup       Provision the multi-tenant CRM realm (roles, users, mappers, policies)
  fix-client  Repair the CRM web client flags and verify token roles

Run "keycloak-setup <command> -h" for command options.
`)
}

func main() {
	if len(os.Args) < 2 {
		// setup is the common case
		setup.Run(nil)
		return
	}

	switch os.Args[1] {
	case "setup":
		setup.Run(os.Args[2:])
	case "fix-client":
		fixclient.Run(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
