// Package cmds holds the bodies of the config subcommands.
package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"kubepulse/internal/configstore"
	"kubepulse/internal/ports"
	"kubepulse/internal/types"

	"github.com/goccy/go-json"
)

// Env is an initialized store plus where command output goes.
type Env struct {
	Store   ports.PersistentStore
	Configs *configstore.Store
	Out     io.Writer
}

// Open initializes store and wraps it in a ConfigStore.
func Open(ctx context.Context, store ports.PersistentStore, out io.Writer) (*Env, error) {
	if err := store.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Env{Store: store, Configs: configstore.New(store), Out: out}, nil
}

func (e *Env) Close() error {
	return e.Store.Close()
}

func AddConfig(ctx context.Context, env *Env, name, file string) error {
	bundle, err := os.ReadFile(file)
	if err != nil {
		return types.Err(types.ErrValidation, err, "read %s", file)
	}
	id, err := env.Configs.Add(ctx, bundle, name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.Out, id)
	return err
}

func UpdateConfig(ctx context.Context, env *Env, id, name, file string) error {
	bundle, err := os.ReadFile(file)
	if err != nil {
		return types.Err(types.ErrValidation, err, "read %s", file)
	}
	if err := env.Configs.Update(ctx, id, bundle, name); err != nil {
		return err
	}
	_, err = fmt.Fprintf(env.Out, "updated %s\n", id)
	return err
}

func ListConfigs(ctx context.Context, env *Env) error {
	list, err := env.Configs.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tCONTEXTS\tUPDATED")
	for _, md := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", md.ID, md.Name, strings.Join(md.Endpoints, ","), md.Updated.Format(time.RFC3339))
	}
	return tw.Flush()
}

// GetConfig prints the metadata as JSON; the bundle itself is never printed.
func GetConfig(ctx context.Context, env *Env, id string) error {
	md, err := env.Configs.GetMetadata(ctx, id)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.Out, string(b))
	return err
}

func DeleteConfig(ctx context.Context, env *Env, id string) error {
	if err := env.Configs.Delete(ctx, id); err != nil {
		return err
	}
	_, err := fmt.Fprintf(env.Out, "deleted %s\n", id)
	return err
}
