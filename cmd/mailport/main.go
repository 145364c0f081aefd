package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mailport/mailport/internal/engine"
	"github.com/mailport/mailport/internal/imaputil"
	"github.com/mailport/mailport/internal/ledger"
	"github.com/mailport/mailport/internal/mboxsource"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailport",
		Short: "Mailport - migrate an IMAP mailbox to another server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// default to help
			return cmd.Help()
		},
	}

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("mailport %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy all mail from a source IMAP account or MBOX file to a target IMAP account",
		RunE:  runMigrate,
	}
	addMigrateFlags(migrateCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// migrate command options
type migrateOptions struct {
	// IMAP source
	srcHost       string
	srcPort       int
	srcUser       string
	srcPass       string
	srcPassPrompt bool
	// MBOX source
	mboxPath   string
	mboxFolder string // synthetic folder name when using mbox

	// Target IMAP
	dstHost       string
	dstPort       int
	dstUser       string
	dstPass       string
	dstPassPrompt bool

	insecure     bool
	startTLS     bool
	ignore       []string
	root         string
	specialPairs []string
	ledgerPath   string
	dryRun       bool
	retries      int
	plain        bool
	assumeYes    bool
	verbose      bool
}

func addMigrateFlags(cmd *cobra.Command) {
	o := &migrateOptions{}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = false
	cmd.Flags().StringVar(&o.srcHost, "src-host", "", "Source IMAP host")
	cmd.Flags().IntVar(&o.srcPort, "src-port", 993, "Source IMAP port")
	cmd.Flags().StringVar(&o.srcUser, "src-user", "", "Source IMAP username")
	cmd.Flags().StringVar(&o.srcPass, "src-pass", "", "Source IMAP password")
	cmd.Flags().BoolVar(&o.srcPassPrompt, "src-pass-prompt", false, "Prompt for source IMAP password (no echo)")
	// MBOX
	cmd.Flags().StringVar(&o.mboxPath, "mbox", "", "Read from a local MBOX file instead of source IMAP")
	cmd.Flags().StringVar(&o.mboxFolder, "mbox-folder", "INBOX", "Folder name the MBOX contents migrate into (with --mbox)")

	cmd.Flags().StringVar(&o.dstHost, "dst-host", "", "Target IMAP host")
	cmd.Flags().IntVar(&o.dstPort, "dst-port", 993, "Target IMAP port")
	cmd.Flags().StringVar(&o.dstUser, "dst-user", "", "Target IMAP username")
	cmd.Flags().StringVar(&o.dstPass, "dst-pass", "", "Target IMAP password")
	cmd.Flags().BoolVar(&o.dstPassPrompt, "dst-pass-prompt", false, "Prompt for target IMAP password (no echo)")

	cmd.Flags().BoolVar(&o.insecure, "insecure", false, "Skip TLS verification")
	cmd.Flags().BoolVar(&o.startTLS, "starttls", false, "Use STARTTLS instead of implicit TLS")
	cmd.Flags().StringArrayVar(&o.ignore, "ignore", nil, "Source folder to skip entirely (can be repeated)")
	cmd.Flags().StringVar(&o.root, "root", "", "Target root folder to namespace the migrated tree under")
	cmd.Flags().StringArrayVar(&o.specialPairs, "special", nil, "Special folder remap src=dst (can be repeated)")
	cmd.Flags().StringVar(&o.ledgerPath, "ledger", "mailport-ledger.db", "Path to the migration ledger database")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Don't actually copy, just list actions")
	cmd.Flags().IntVar(&o.retries, "retries", 2, "Append retry budget for transient failures")
	cmd.Flags().BoolVar(&o.plain, "plain", false, "Line output instead of the progress UI")
	cmd.Flags().BoolVar(&o.assumeYes, "yes", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Enable detailed per-message logs")

	// Bind into context
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, o))
		return nil
	}
}

type ctxKey struct{}

func runMigrate(cmd *cobra.Command, args []string) error {
	o := cmd.Context().Value(ctxKey{}).(*migrateOptions)
	ctx := cmd.Context()

	// Prompt passwords if requested
	if o.srcPassPrompt && o.srcPass == "" {
		fmt.Fprint(os.Stderr, "Source password: ")
		b, perr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if perr != nil {
			return fmt.Errorf("read source password: %w", perr)
		}
		o.srcPass = string(b)
	}
	if o.dstPassPrompt && o.dstPass == "" {
		fmt.Fprint(os.Stderr, "Target password: ")
		b, perr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if perr != nil {
			return fmt.Errorf("read target password: %w", perr)
		}
		o.dstPass = string(b)
	}

	// Validate required flags depending on source mode
	if o.dstHost == "" || o.dstUser == "" || o.dstPass == "" {
		return fmt.Errorf("missing required flags: --dst-host, --dst-user, --dst-pass")
	}
	if o.mboxPath == "" && (o.srcHost == "" || o.srcUser == "" || o.srcPass == "") {
		return fmt.Errorf("missing required flags: --src-host, --src-user, --src-pass (or --mbox)")
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: o.insecure}

	var src engine.Source
	var srcDesc string
	if o.mboxPath != "" {
		s, err := mboxsource.Open(o.mboxPath, o.mboxFolder)
		if err != nil {
			return err
		}
		src = s
		srcDesc = fmt.Sprintf("<mbox: %s>", o.mboxPath)
	} else {
		s, err := imaputil.DialAndLogin(o.srcHost, o.srcPort, o.srcUser, o.srcPass, o.startTLS, tlsConfig)
		if err != nil {
			return fmt.Errorf("connect source: %w", err)
		}
		src = s
		srcDesc = fmt.Sprintf("<user: %s | host: %s>", o.srcUser, o.srcHost)
	}
	defer src.Close()

	dst, err := imaputil.DialAndLogin(o.dstHost, o.dstPort, o.dstUser, o.dstPass, o.startTLS, tlsConfig)
	if err != nil {
		return fmt.Errorf("connect target: %w", err)
	}
	defer dst.Close()
	dstDesc := fmt.Sprintf("<user: %s | host: %s>", o.dstUser, o.dstHost)

	// One confirmation before any mutation. Declining is a clean,
	// zero-mutation exit.
	summary := fmt.Sprintf("Copy all mail\nfrom account\n\t%s\nto account\n\t%s", srcDesc, dstDesc)
	if !o.assumeYes {
		ok, cerr := confirm(o.plain, summary)
		if cerr != nil {
			return cerr
		}
		if !ok {
			fmt.Println("Not confirmed, exiting")
			return nil
		}
	}

	led, err := ledger.Open(ctx, o.ledgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	mig := engine.New(src, dst, led, engine.Options{
		Root:    o.root,
		Ignore:  o.ignore,
		Special: parseMappings(o.specialPairs),
		DryRun:  o.dryRun,
		Retries: o.retries,
		Quiet:   !o.verbose,
	})

	var stats engine.Stats
	var runErr error
	if o.plain {
		// Events still have to be drained; logging already covers
		// progress in plain mode.
		go func() {
			for range mig.Events() {
			}
		}()
		stats, runErr = mig.Run(ctx)
	} else {
		stats, runErr = runTUI(ctx, mig)
	}

	// Report whatever was accumulated, even after a fatal error.
	fmt.Printf("Migrated %d message(s), %d bytes in %s\n", stats.Messages, stats.Bytes, stats.Elapsed.Round(time.Millisecond))
	if stats.SkippedFolders > 0 || stats.SkippedMsgs > 0 {
		fmt.Printf("Skipped %d folder(s) and %d message(s); see log for reasons\n", stats.SkippedFolders, stats.SkippedMsgs)
	}
	if runErr != nil {
		return fmt.Errorf("migration aborted: %w", runErr)
	}
	return nil
}

// confirm asks the operator to affirm the run: a TUI dialog normally,
// a yes/no stdin prompt in plain mode.
func confirm(plain bool, summary string) (bool, error) {
	if !plain {
		return runConfirmTUI("Mailport", summary)
	}
	fmt.Printf("%s\n[yes/no]? ", summary)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimSpace(line) == "yes", nil
}

// parseMappings converts `src=dst` pairs into a map
func parseMappings(pairs []string) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Invalid --special value (expected src=dst): %s\n", p)
			continue
		}
		m[parts[0]] = parts[1]
	}
	return m
}

// TUI implemented in tui.go
