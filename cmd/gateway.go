package main

import (
	"context"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfunnel/internal/config"
	"github.com/sells-group/leadfunnel/internal/db"
	"github.com/sells-group/leadfunnel/internal/resilience"
	"github.com/sells-group/leadfunnel/internal/store"
	"github.com/sells-group/leadfunnel/pkg/notion"
	sfpkg "github.com/sells-group/leadfunnel/pkg/salesforce"
)

// gateway is an opened lead store and the func that releases it.
type gateway struct {
	store.Gateway
	close func()
}

// openGateway connects the configured lead store. Connections and logins
// are retried on transient errors; schema checks are not.
func openGateway(ctx context.Context, c *config.Config) (*gateway, error) {
	cols, err := store.DefaultColumns(c.Store.Driver).WithOverrides(c.Store.Columns)
	if err != nil {
		return nil, err
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("store." + c.Store.Driver)
	noop := func() {}

	switch c.Store.Driver {
	case "postgres":
		pool, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (db.Pool, error) {
			return db.Connect(ctx, c.Store.DatabaseURL, db.PoolConfig{
				MaxConns: c.Store.MaxConns,
				MinConns: c.Store.MinConns,
			})
		})
		if err != nil {
			return nil, eris.Wrap(err, "connect postgres")
		}
		return &gateway{Gateway: store.NewPostgres(pool, c.Store.Table, cols), close: pool.Close}, nil

	case "sqlite":
		st, err := store.NewSQLite(c.Store.DatabaseURL, c.Store.Table, cols)
		if err != nil {
			return nil, err
		}
		return &gateway{Gateway: st, close: func() { _ = st.Close() }}, nil

	case "supabase":
		return &gateway{Gateway: store.NewSupabase(c.Supabase.URL, c.Supabase.Key, c.Store.Table, cols), close: noop}, nil

	case "pocketbase":
		return &gateway{Gateway: store.NewPocketBase(c.PocketBase.URL, c.PocketBase.Token, c.PocketBase.Collection, cols), close: noop}, nil

	case "notion":
		st := store.NewNotion(notion.NewClient(c.Notion.Token, notion.WithRateLimit(3)), c.Notion.LeadDB, cols)
		if err := resilience.Do(ctx, retry, st.Check); err != nil {
			return nil, eris.Wrap(err, "check notion lead database")
		}
		return &gateway{Gateway: st, close: noop}, nil

	case "salesforce":
		client, err := resilience.DoVal(ctx, retry, func(context.Context) (sfpkg.Client, error) {
			return initSalesforce(c.Salesforce)
		})
		if err != nil {
			return nil, err
		}
		st := store.NewSalesforce(client, c.Salesforce.Object, cols)
		if err := st.Check(ctx); err != nil {
			return nil, eris.Wrap(err, "check salesforce lead object")
		}
		return &gateway{Gateway: st, close: noop}, nil

	case "memory":
		zap.L().Warn("using in-memory lead store, leads are lost on exit")
		return &gateway{Gateway: store.NewMemory(), close: noop}, nil

	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

func initSalesforce(c config.SalesforceConfig) (sfpkg.Client, error) {
	pemData, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         c.LoginURL,
		Username:       c.Username,
		ConsumerKey:    c.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf, sfpkg.WithRateLimit(c.RateLimit)), nil
}

// migrator is implemented by stores that own their schema.
type migrator interface {
	Migrate(ctx context.Context) error
}
