package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/bundle"
	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/pkg/client"
)

type storeFlags struct {
	backend string
	dir     string
	tenant  string
	server  string
	token   string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "jsonl", "Local store backend: jsonl or sqlite")
	cmd.Flags().StringVar(&f.dir, "dir", "data/ledger", "Store directory")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&f.server, "server", "", "ledgerd base URL; when set the local store is not used")
	cmd.Flags().StringVar(&f.token, "token", "", "Actor token for --server (default $LEDGER_TOKEN)")
	_ = cmd.MarkFlagRequired("tenant")
}

// remote returns a client for --server. Without a token the actor is
// asserted in headers, which only a development server accepts.
func (f *storeFlags) remote(actor, role string) (*client.Client, error) {
	token := f.token
	if token == "" {
		token = viper.GetString("ledger_token")
	}
	if token != "" {
		return client.New(f.server, f.tenant, client.WithBearerToken(token))
	}
	return client.New(f.server, f.tenant, client.WithActorHeaders(actor, role))
}

func (f *storeFlags) open(logger *zap.Logger) (ledger.Store, error) {
	switch f.backend {
	case "jsonl", "file":
		return ledger.NewFileStore(f.dir, logger)
	case "sqlite":
		return ledger.NewSQLiteStore(f.dir, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q (jsonl or sqlite)", f.backend)
	}
}

func newAppendCmd(opts *options) *cobra.Command {
	var (
		sf        storeFlags
		actor     string
		role      string
		eventType string
		payload   string
		timestamp string
	)

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a record to a local ledger",
		Example: `  ledger append --tenant t1 --actor u1 --role admin \
    --event user.login --payload '{"ip":"10.0.0.1"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if payload != "" {
				v, err := canonical.Normalize([]byte(payload))
				if err != nil {
					return usageErr(fmt.Errorf("--payload: %w", err))
				}
				body = v
			}

			var rec *ledger.Record
			if sf.server != "" {
				c, err := sf.remote(actor, role)
				if err != nil {
					return usageErr(err)
				}
				rec, err = c.Append(cmd.Context(), client.AppendRequest{
					EventType:    eventType,
					Payload:      body,
					TimestampUTC: timestamp,
				})
				if err != nil {
					return usageErr(err)
				}
			} else {
				store, err := sf.open(opts.logger)
				if err != nil {
					return usageErr(err)
				}
				defer store.Close()

				rec, err = ledger.New(store, ledger.WithLogger(opts.logger)).Append(cmd.Context(), ledger.Fields{
					TimestampUTC: timestamp,
					TenantID:     sf.tenant,
					ActorID:      actor,
					ActorRole:    role,
					EventType:    eventType,
					Payload:      body,
				})
				if err != nil {
					return usageErr(err)
				}
			}
			text := fmt.Sprintf("seq=%d record_hash=%s", rec.Seq, rec.RecordHash)
			return emit(cmd.OutOrStdout(), opts.format, rec, text)
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&actor, "actor", "", "Actor id")
	cmd.Flags().StringVar(&role, "role", "", "Actor role")
	cmd.Flags().StringVar(&eventType, "event", "", "Event type")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "timestamp_utc as YYYYMMDDTHHMMSSZ (default now)")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		sf          storeFlags
		out         string
		environment string
		actor       string
		role        string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a tenant's ledger as an audit bundle",
		Long: `export writes a bundle containing ledger.jsonl, bundle_metadata.json and
bundle_checksum.sha256. The --out path selects the form: a path ending in
.zip writes a zip archive, .json the JSON transport form, anything else a
directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var b *bundle.Bundle
			if sf.server != "" {
				c, err := sf.remote(actor, role)
				if err != nil {
					return usageErr(err)
				}
				if b, err = c.Export(cmd.Context()); err != nil {
					return usageErr(err)
				}
			} else {
				store, err := sf.open(opts.logger)
				if err != nil {
					return usageErr(err)
				}
				defer store.Close()

				if b, err = exportBundle(cmd.Context(), store, sf.tenant, environment, time.Now()); err != nil {
					return usageErr(err)
				}
			}
			if err := writeBundle(b, out); err != nil {
				return usageErr(err)
			}

			root := "null"
			if b.Metadata.RootHash != nil {
				root = *b.Metadata.RootHash
			}
			text := fmt.Sprintf("wrote %s record_count=%d root_hash=%s bundle_checksum=%s",
				out, b.Metadata.RecordCount, root, b.Checksum)
			return emit(cmd.OutOrStdout(), opts.format, map[string]any{
				"path":            out,
				"bundle_metadata": b.Metadata,
				"bundle_checksum": b.Checksum,
			}, text)
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&out, "out", "bundle.zip", "Output path (.zip, .json or directory)")
	cmd.Flags().StringVar(&environment, "environment", "dev", "Environment recorded in bundle metadata (local store only)")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor id asserted to a development --server")
	cmd.Flags().StringVar(&role, "role", "auditor", "Actor role asserted to a development --server")
	return cmd
}

func exportBundle(ctx context.Context, store ledger.Store, tenant, environment string, now time.Time) (*bundle.Bundle, error) {
	records, err := ledger.New(store).Records(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return bundle.Build(bundle.Metadata{
		TenantID:     tenant,
		Environment:  environment,
		GeneratedUTC: ledger.FormatTimestamp(now),
	}, records)
}

func writeBundle(b *bundle.Bundle, out string) error {
	switch strings.ToLower(filepath.Ext(out)) {
	case ".zip":
		var buf bytes.Buffer
		if err := b.WriteZip(&buf); err != nil {
			return err
		}
		return os.WriteFile(out, buf.Bytes(), 0o644)
	case ".json":
		data, err := b.MarshalJSON()
		if err != nil {
			return err
		}
		return os.WriteFile(out, append(data, '\n'), 0o644)
	default:
		return b.WriteDir(out)
	}
}
