package reconciliation

import (
	"context"
	"fmt"

	"github.com/savegress/bankrecon/internal/rules"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/models"
)

// ReloadRules loads the stored rule set into the engine
func (o *Orchestrator) ReloadRules(ctx context.Context) error {
	var all []models.ReconcileRule
	err := o.repo.View(ctx, func(tx storage.Tx) error {
		var err error
		all, err = tx.ListRules(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("ReloadRules: %w", err)
	}
	if err := o.engine.Load(all); err != nil {
		return fmt.Errorf("ReloadRules: %w", err)
	}
	o.log.Info().Int("rules", len(all)).Msg("rules loaded")
	return nil
}

// SaveRules upserts rules and reloads the engine. The whole stored set is
// compiled before the write commits, so an invalid rule leaves both the
// store and the engine untouched.
func (o *Orchestrator) SaveRules(ctx context.Context, rs ...models.ReconcileRule) error {
	return o.changeRules(ctx, func(tx storage.Tx) error {
		for _, r := range rs {
			if _, err := rules.Compile(r); err != nil {
				return err
			}
			if err := tx.SaveRule(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRule removes a rule and reloads the engine
func (o *Orchestrator) DeleteRule(ctx context.Context, id string) error {
	return o.changeRules(ctx, func(tx storage.Tx) error {
		return tx.DeleteRule(ctx, id)
	})
}

func (o *Orchestrator) changeRules(ctx context.Context, change func(tx storage.Tx) error) error {
	var all []models.ReconcileRule
	err := o.repo.RunInTx(ctx, func(tx storage.Tx) error {
		if err := change(tx); err != nil {
			return err
		}
		var err error
		if all, err = tx.ListRules(ctx); err != nil {
			return err
		}
		_, err = rules.NewEngine(all)
		return err
	})
	if err != nil {
		return fmt.Errorf("SaveRules: %w", err)
	}
	if err := o.engine.Load(all); err != nil {
		return fmt.Errorf("SaveRules: %w", err)
	}
	o.log.Info().Int("rules", len(all)).Msg("rules updated")
	return nil
}
