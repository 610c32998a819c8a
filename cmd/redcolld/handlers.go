package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danmuck/redcoll/internal/collection"
	"github.com/danmuck/redcoll/internal/remote"
	"github.com/danmuck/redcoll/internal/store"
)

var errBadArgs = errors.New("bad arguments")

type retainArgs struct {
	Set  string   `json:"set"`
	Keep []string `json:"keep"`
}

type retainResult struct {
	Changed bool `json:"changed"`
	Size    int  `json:"size"`
}

// registerHandlers installs the built-in methods served by redcolld.
func registerHandlers(w *remote.Worker, sets store.SetStore, mutator *collection.Mutator) error {
	handlers := map[string]remote.HandlerFunc{
		"echo": func(_ context.Context, args json.RawMessage) (any, error) {
			if len(args) == 0 {
				return nil, nil
			}
			return args, nil
		},
		"sum": func(_ context.Context, args json.RawMessage) (any, error) {
			var nums []float64
			if err := json.Unmarshal(args, &nums); err != nil {
				return nil, fmt.Errorf("%w: sum expects a JSON array of numbers", errBadArgs)
			}
			total := 0.0
			for _, n := range nums {
				total += n
			}
			return total, nil
		},
		"retain": func(ctx context.Context, args json.RawMessage) (any, error) {
			var req retainArgs
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("%w: %v", errBadArgs, err)
			}
			set, err := collection.NewStringSet(req.Set, sets, mutator)
			if err != nil {
				return nil, err
			}
			changed, err := set.RetainAll(ctx, req.Keep...)
			if err != nil {
				return nil, err
			}
			size, err := set.Size(ctx)
			if err != nil {
				return nil, err
			}
			return retainResult{Changed: changed, Size: size}, nil
		},
	}
	for method, h := range handlers {
		if err := w.Handle(method, h); err != nil {
			return err
		}
	}
	return nil
}
