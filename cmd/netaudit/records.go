// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/scheduler"
)

// readRecords decodes a YAML file holding either one record or a list.
func readRecords[T any](path string) ([]*T, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecords[T](data)
}

func decodeRecords[T any](data []byte) ([]*T, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, errors.New("no records in input")
	}
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []*T
		if err := root.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	}
	one := new(T)
	if err := root.Decode(one); err != nil {
		return nil, err
	}
	return []*T{one}, nil
}

// =============================================================================
// device
// =============================================================================

func newDeviceCmd(g *globalFlags) *cobra.Command {
	device := &cobra.Command{
		Use:   "device",
		Short: "Register and list managed devices",
	}

	var (
		d           datatypes.Device
		protocol    string
		passwordEnv string
		keyFile     string
		disabled    bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a device and seal its credentials",
		Long: `Registers a device. The password is read from the environment variable named
by --password-env and a private key from --key-file; both are sealed with the
vault master key before they are stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			d.VendorProtocol = datatypes.VendorProtocol(protocol)
			d.Enabled = !disabled
			if err := datatypes.Validate(&d); err != nil {
				return err
			}

			creds := datatypes.Credentials{Username: d.Username}
			if passwordEnv != "" {
				creds.Password = os.Getenv(passwordEnv)
				if creds.Password == "" {
					return fmt.Errorf("environment variable %s is empty", passwordEnv)
				}
			}
			if keyFile != "" {
				if creds.PrivateKey, err = os.ReadFile(keyFile); err != nil {
					return fmt.Errorf("read private key: %w", err)
				}
			}
			if creds.Password != "" || len(creds.PrivateKey) > 0 {
				if d.Secret, err = svc.Vault.SealCredentials(d.ID, creds); err != nil {
					return err
				}
			}
			if err := svc.Store.PutDevice(cmd.Context(), &d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered device %s (%s)\n", d.ID, d.Target())
			return nil
		},
	}
	add.Flags().StringVar(&d.ID, "id", "", "Device ID (generated when empty)")
	add.Flags().StringVar(&d.Hostname, "hostname", "", "Display name")
	add.Flags().StringVar(&d.Address, "address", "", "IP address or DNS name")
	add.Flags().IntVar(&d.Port, "port", 0, "Management port (0 uses the protocol default)")
	add.Flags().StringVar(&protocol, "protocol", "", "NETCONF_XML, MODEL_DRIVEN_CLI or SSH_CLI")
	add.Flags().StringVar(&d.Username, "username", "", "Login user")
	add.Flags().StringVar(&passwordEnv, "password-env", "", "Environment variable holding the password")
	add.Flags().StringVar(&keyFile, "key-file", "", "SSH private key file")
	add.Flags().BoolVar(&disabled, "disabled", false, "Register the device disabled")
	_ = add.MarkFlagRequired("address")
	_ = add.MarkFlagRequired("protocol")

	list := &cobra.Command{
		Use:   "list",
		Short: "List devices with their backoff state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd, g.output)
			if err != nil {
				return err
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			devices, err := svc.Store.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			type row struct {
				ID       string                   `json:"id"`
				Hostname string                   `json:"hostname"`
				Target   string                   `json:"target"`
				Protocol datatypes.VendorProtocol `json:"vendor_protocol"`
				Enabled  bool                     `json:"enabled"`
				Backoff  datatypes.BackoffState   `json:"backoff_state"`
			}
			rows := make([]row, 0, len(devices))
			for _, dev := range devices {
				st, err := svc.Backoff.Get(cmd.Context(), dev.ID)
				if err != nil {
					return err
				}
				rows = append(rows, row{dev.ID, dev.Hostname, dev.Target(), dev.VendorProtocol, dev.Enabled, st})
			}
			return p.print(rows, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tHOSTNAME\tTARGET\tPROTOCOL\tENABLED\tFAILURES")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\n",
						r.ID, r.Hostname, r.Target, r.Protocol, r.Enabled, r.Backoff.ConsecutiveFailures)
				}
			})
		},
	}

	device.AddCommand(add, list)
	return device
}

// =============================================================================
// rule / schedule / discovery group files
// =============================================================================

func newRuleCmd(g *globalFlags) *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage compliance rules",
	}

	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Store rules from a YAML file; existing IDs get a new version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules, err := readRecords[datatypes.Rule](file)
			if err != nil {
				return err
			}
			for _, r := range rules {
				if err := datatypes.Validate(r); err != nil {
					return fmt.Errorf("rule %q: %w", r.ID, err)
				}
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			for _, r := range rules {
				saved, err := svc.Store.SaveRule(cmd.Context(), r)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rule %s saved as version %d\n", saved.ID, saved.Version)
			}
			return nil
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "YAML file with one rule or a list (- for stdin)")
	_ = apply.MarkFlagRequired("file")

	rule.AddCommand(apply)
	return rule
}

func newScheduleCmd(g *globalFlags) *cobra.Command {
	schedule := &cobra.Command{
		Use:   "schedule",
		Short: "Manage audit schedules",
	}

	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Store audit schedules from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schedules, err := readRecords[datatypes.AuditSchedule](file)
			if err != nil {
				return err
			}
			for _, s := range schedules {
				if err := errors.Join(datatypes.Validate(s), scheduler.ValidateCadence(s.Cadence)); err != nil {
					return fmt.Errorf("schedule %q: %w", s.ID, err)
				}
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			for _, s := range schedules {
				if err := svc.Store.PutSchedule(cmd.Context(), s); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schedule %s stored\n", s.ID)
			}
			return nil
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "YAML file with one schedule or a list (- for stdin)")
	_ = apply.MarkFlagRequired("file")

	schedule.AddCommand(apply)
	return schedule
}

func newDiscoveryApplyCmd(g *globalFlags) *cobra.Command {
	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Store discovery groups from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			groups, err := readRecords[datatypes.DiscoveryGroup](file)
			if err != nil {
				return err
			}
			for _, gr := range groups {
				if err := errors.Join(datatypes.Validate(gr), scheduler.ValidateCadence(gr.Cadence)); err != nil {
					return fmt.Errorf("discovery group %q: %w", gr.ID, err)
				}
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			for _, gr := range groups {
				if err := svc.Store.PutDiscoveryGroup(cmd.Context(), gr); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discovery group %s stored\n", gr.ID)
			}
			return nil
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "YAML file with one group or a list (- for stdin)")
	_ = apply.MarkFlagRequired("file")
	return apply
}
