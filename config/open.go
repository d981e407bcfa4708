package config

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/hupe1980/agentloop/eventlog"
	"github.com/hupe1980/agentloop/eventlog/memory"
	"github.com/hupe1980/agentloop/eventlog/postgres"
	"github.com/hupe1980/agentloop/eventlog/sqlite"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/anthropic"
	"github.com/hupe1980/agentloop/model/openai"
	"github.com/hupe1980/agentloop/tool"
	"github.com/hupe1980/agentloop/tool/mcp"
)

// OpenStore opens the configured event log backend.
func (c Config) OpenStore(ctx context.Context, logger logging.Logger) (eventlog.Store, error) {
	switch c.Store.Driver {
	case "memory":
		return memory.NewStore(func(o *memory.Options) {
			if c.Store.PageSize > 0 {
				o.PageSize = c.Store.PageSize
			}
		}), nil
	case "sqlite":
		return sqlite.Open(ctx, c.Store.DSN, func(o *sqlite.Options) {
			if c.Store.PageSize > 0 {
				o.PageSize = c.Store.PageSize
			}
		})
	case "postgres":
		return postgres.Open(ctx, c.Store.DSN, func(o *postgres.Options) {
			if c.Store.PageSize > 0 {
				o.PageSize = c.Store.PageSize
			}
			if logger != nil {
				o.Logger = logger
			}
		})
	default:
		return nil, fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
}

// OpenProvider builds the configured model provider. API keys not set in the
// file are taken from the SDKs' usual environment variables.
func (c Config) OpenProvider() (model.Provider, error) {
	p := c.Provider
	switch p.Name {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if p.Model != "" {
				o.Model = p.Model
			}
			o.Temperature = p.Temperature
			if p.MaxTokens > 0 {
				o.MaxCompletionTokens = p.MaxTokens
			}
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if p.Model != "" {
				o.Model = anthropicsdk.Model(p.Model)
			}
			o.Temperature = p.Temperature
			if p.MaxTokens > 0 {
				o.MaxTokens = p.MaxTokens
			}
			o.APIKey = p.APIKey
		}), nil
	default:
		return nil, fmt.Errorf("config: unknown provider %q", p.Name)
	}
}

// Closer releases resources acquired by OpenTools.
type Closer func() error

// OpenTools starts every configured MCP server and routes actions across
// them and the local executors. Local executors take precedence on name
// clashes.
func (c Config) OpenTools(ctx context.Context, version string, local ...tool.Executor) (tool.Executor, Closer, error) {
	executors := append([]tool.Executor(nil), local...)
	var clients []*mcpclient.Client
	closeAll := func() error {
		var errs []error
		for _, cl := range clients {
			errs = append(errs, cl.Close())
		}
		return errors.Join(errs...)
	}

	for _, srv := range c.MCP {
		cl, err := mcpclient.NewStdioMCPClient(srv.Command, srv.Env, srv.Args...)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("config: start mcp server %q: %w", srv.Name, err)
		}
		clients = append(clients, cl)
		if err := mcp.Initialize(ctx, cl, "agentloop", version); err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		prefix := srv.Prefix
		if prefix == "" {
			prefix = srv.Name
		}
		exec, err := mcp.New(ctx, cl, func(o *mcp.Options) { o.Prefix = prefix })
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		executors = append(executors, exec)
	}
	return tool.NewRouter(executors...), closeAll, nil
}
