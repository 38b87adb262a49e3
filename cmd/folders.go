package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andyg2/ImapArc/imap"
)

var (
	foldersServer   string
	foldersPort     int
	foldersUsername string
	foldersPassword string
	foldersSSL      bool
	foldersInsecure bool
)

// FoldersCmd lists the folders available on the server, for picking
// --folders values on the main command.
var FoldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List the folders available on the IMAP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if foldersServer == "" {
			return fmt.Errorf("--server is required")
		}
		if foldersUsername == "" {
			return fmt.Errorf("--username is required")
		}
		password := foldersPassword
		if password == "" {
			password = os.Getenv("IMAP_PASS")
		}
		if password == "" {
			return fmt.Errorf("password must be provided via --password or IMAP_PASS env var")
		}

		client, err := imap.Dial(cmd.Context(), imap.Options{
			Host:               foldersServer,
			Port:               foldersPort,
			Username:           foldersUsername,
			Password:           password,
			UseTLS:             foldersSSL,
			InsecureSkipVerify: foldersInsecure,
		}, nil)
		if err != nil {
			return err
		}
		defer client.Close()

		names, err := client.ListFolders()
		if err != nil {
			return err
		}

		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	flags := FoldersCmd.Flags()
	flags.StringVarP(&foldersServer, "server", "s", "", "IMAP server address")
	flags.IntVarP(&foldersPort, "port", "p", 993, "IMAP server port")
	flags.StringVarP(&foldersUsername, "username", "u", "", "Username for IMAP login")
	flags.StringVar(&foldersPassword, "password", "", "Password for IMAP login (falls back to IMAP_PASS env var)")
	flags.BoolVar(&foldersSSL, "ssl", true, "Use an SSL/TLS connection")
	flags.BoolVar(&foldersInsecure, "insecure-skip-verify", false, "Skip TLS certificate verification")
}
