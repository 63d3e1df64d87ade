package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/bastion"
	"github.com/mdrakiburrahman/kusto-pinger/storage"
)

func newExportCommand() *cobra.Command {
	var out, remote string
	cmd := &cobra.Command{
		Use:   "export <source>",
		Short: "Write the retained history of a source as CSV",
		Long: `Write the retained history of a source as CSV, one row per sample and
one column per field ever seen.

The CSV goes to stdout unless --out is given. With --remote it is also
uploaded over SFTP to the configured bastion host.

Examples:
  kusto-pinger export mycluster > mycluster.csv
  kusto-pinger export mycluster --out ./exports/mycluster.csv
  kusto-pinger export mycluster --bastion jump --remote /srv/exports/mycluster.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if remote != "" && !cfg.Bastion.Enabled() {
				return errors.New("--remote needs a bastion host (--bastion or bastion.host)")
			}
			log, err := commandLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer log.Flush()

			store, err := openStore(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			history, err := store.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := storage.WriteCSV(&buf, history); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}

			switch {
			case out != "":
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
					return err
				}
				log.Logger.Info("exported history",
					zap.String("source", args[0]),
					zap.Int("samples", len(history)),
					zap.String("path", out))
			case remote == "":
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}

			if remote != "" {
				settings, err := bastion.Resolve(cfg.Bastion, bastion.DefaultSSHConfig())
				if err != nil {
					return err
				}
				tunnel := bastion.New(settings, log.Logger)
				defer tunnel.Close()
				if _, err := tunnel.Upload(cmd.Context(), &buf, remote); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "local CSV file")
	cmd.Flags().StringVar(&remote, "remote", "", "upload the CSV to this path on the bastion host")
	return cmd
}
