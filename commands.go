package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"monitorconsole/config"
	"monitorconsole/models"
	"monitorconsole/service"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

func newCommandCmd() *cobra.Command {
	var cfgPath, target, typ string
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Send one command to a target and print the resulting view",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := models.ParseCommandType(typ)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(cfg, pslog.Ctx(ctx), nil, nil)
			if err != nil {
				return err
			}
			defer a.console.Shutdown()

			if err := a.authenticate(ctx); err != nil {
				return err
			}
			if err := a.console.SelectTarget(ctx, target); err != nil {
				return err
			}
			issued, outcome, err := a.console.TriggerCommand(ctx, t)
			if err != nil {
				return err
			}

			var result service.Outcome
			select {
			case <-ctx.Done():
				return ctx.Err()
			case result = <-outcome:
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(a.console.View()); err != nil {
				return err
			}
			if result.Status != models.StatusExecuted {
				if result.Err != nil {
					return fmt.Errorf("command %s: %w", issued.ID, result.Err)
				}
				return fmt.Errorf("command %s ended %s", issued.ID, result.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", config.DefaultConfigPath, "config file path")
	cmd.Flags().StringVar(&target, "target", "", "employee id to send the command to")
	cmd.Flags().StringVar(&typ, "type", "", "command: screenshot, apps or browser")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newLiveCmd() *cobra.Command {
	var cfgPath, target string
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Open a live session to a target until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			a, err := newApp(cfg, logger, nil, nil)
			if err != nil {
				return err
			}
			defer a.console.Shutdown()

			a.live.AddListener(func(change service.StateChange) {
				logger.Info("live session", "state", change.ToName, "from", change.FromName, "notice", change.Notice)
			})

			if err := a.authenticate(ctx); err != nil {
				return err
			}
			if err := a.console.SelectTarget(ctx, target); err != nil {
				return err
			}
			if err := a.console.StartLive(); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", config.DefaultConfigPath, "config file path")
	cmd.Flags().StringVar(&target, "target", "", "employee id to watch")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the console configuration file",
	}

	var path string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := config.WriteDefault(path, force)
			if err != nil {
				if errors.Is(err, config.ErrConfigExists) {
					return fmt.Errorf("%w (use --force to overwrite)", err)
				}
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", written)
			return err
		},
	}
	initCmd.Flags().StringVar(&path, "path", config.DefaultConfigPath, "destination file")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
