package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/doctor"
	"github.com/treykane/sshgate/internal/security"
	"github.com/treykane/sshgate/internal/service"
)

func newDoctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose hosts, saved tunnels and local security settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(cfg appconfig.Config, svc *service.Service) error {
				report, err := doctor.Run(cfg, svc)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(report)
				}
				if len(report.Issues) == 0 {
					fmt.Println("no issues found")
					return nil
				}
				for _, issue := range report.Issues {
					fmt.Printf("[%s] %s %s: %s\n", issue.Severity, issue.Check, issue.Target, issue.Message)
					fmt.Printf("        -> %s\n", issue.Recommendation)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check security policy and file permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			report, err := security.RunLocalAudit(cfg)
			if err != nil {
				return err
			}
			if asJSON {
				if report.Findings == nil {
					report.Findings = []security.Finding{}
				}
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				for _, f := range report.Findings {
					fmt.Printf("[%s] %s: %s\n        -> %s\n", f.Severity, f.Target, f.Message, f.Recommendation)
				}
				if len(report.Findings) == 0 {
					fmt.Println("no findings")
				}
			}
			if report.HasHigh() {
				return fmt.Errorf("audit found high severity issues")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPasswordCmd() *cobra.Command {
	root := &cobra.Command{Use: "password", Short: "Manage stored passwords for hosts and saved tunnels"}

	root.AddCommand(&cobra.Command{
		Use:   "set <host-alias|saved-id>",
		Short: "Store a password, read from the terminal or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				pw, err := newPrompter(os.Stdin, os.Stderr).password("password: ")
				if err != nil {
					return err
				}
				if err := svc.SavePassword(args[0], pw); err != nil {
					return err
				}
				fmt.Printf("stored password for %s\n", args[0])
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "delete <host-alias|saved-id>",
		Short: "Remove a stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ appconfig.Config, svc *service.Service) error {
				if err := svc.DeletePassword(args[0]); err != nil {
					return err
				}
				fmt.Printf("removed password for %s\n", args[0])
				return nil
			})
		},
	})
	return root
}
