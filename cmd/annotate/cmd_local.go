// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/pkg/ux"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/driver"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/feature"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/gff3"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

var (
	applyGFF3 string

	tokenUser  string
	tokenName  string
	tokenRoles []string
	tokenTTL   time.Duration

	applyCmd = &cobra.Command{
		Use:   "apply CHANGE.json...",
		Short: "Apply serialized changes to a local GFF3 file",
		Long: `Apply validates each change and rewrites the GFF3 file after it.
A rejected change stops the run; changes before it stay applied.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runApply,
	}
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured JWT secret",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
)

func init() {
	applyCmd.Flags().StringVar(&applyGFF3, "gff3", "", "GFF3 file to edit")
	_ = applyCmd.MarkFlagRequired("gff3")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{extensions.RoleEditor}, "roles: viewer, editor, admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := gff3.Open(gff3.StoreConfig{Path: applyGFF3, Logger: logger.Slog()})
	if err != nil {
		return err
	}
	vocab, err := loadOntology(ctx, appConfig.Ontology, logger.Slog())
	if err != nil {
		return err
	}
	registry := changes.NewDefaultRegistry()
	d, err := driver.NewLocalGFF3Driver(driver.LocalConfig{
		Store:       store,
		Validations: validation.Default(vocab, nil),
		Registry:    registry,
		Logger:      logger.Slog(),
	})
	if err != nil {
		return err
	}

	out := ux.NewPrinter(cmd.OutOrStdout(), ux.LevelFor(cmd.OutOrStdout(), os.LookupEnv))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		c, err := registry.Decode(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rs, err := d.SubmitChange(ctx, c)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if !rs.OK() {
			return fmt.Errorf("%s: %s rejected: %s", path, c.TypeName(), rs.ErrorMessage())
		}
		out.Success(fmt.Sprintf("%s: %s", path, cmp.Or(c.Notification(), string(c.TypeName()))))
	}
	out.Info(fmt.Sprintf("%s: %d features", store.Path(), countFeatures(store.Features())))
	return nil
}

func countFeatures(roots []*feature.Feature) int {
	n := 0
	for _, r := range roots {
		r.Walk(func(*feature.Feature) bool { n++; return true })
	}
	return n
}

func runToken(cmd *cobra.Command, _ []string) error {
	if !appConfig.Auth.Enabled() {
		return errors.New("auth.jwt_secret is not configured")
	}
	p := extensions.NewJWTAuthProvider([]byte(appConfig.Auth.JWTSecret), appConfig.Auth.Issuer)
	token, err := p.Issue(&extensions.AuthInfo{UserID: tokenUser, Name: tokenName, Roles: tokenRoles}, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
