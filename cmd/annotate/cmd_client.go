// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAnnotate/pkg/ux"
	"github.com/AleutianAI/AleutianAnnotate/pkg/validation"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/clientstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/docstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/driver"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/gff3"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/manager"
	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
)

var (
	serverURL string

	importAssemblyID string
	importName       string
	importFASTA      string
	importGFF3       string
	importChunkSize  int64

	exportAssembly string
	exportOut      string

	changesSince   int64
	changesChannel []string
	changesJSON    bool

	followAssembly string
	followPersist  bool

	importCmd = &cobra.Command{
		Use:   "import",
		Short: "Upload a FASTA assembly, and optionally its GFF3 annotations, to the server",
		Args:  cobra.NoArgs,
		RunE:  runImport,
	}
	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Download an assembly's annotations as GFF3",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}
	changesCmd = &cobra.Command{
		Use:   "changes",
		Short: "List the server's change log",
		Args:  cobra.NoArgs,
		RunE:  runChanges,
	}
	followCmd = &cobra.Command{
		Use:   "follow",
		Short: "Keep a live copy of an assembly's annotations and print collaborators' changes",
		Args:  cobra.NoArgs,
		RunE:  runFollow,
	}
)

func init() {
	for _, c := range []*cobra.Command{importCmd, exportCmd, changesCmd, followCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "server url (overrides collaboration.server_url)")
	}

	importCmd.Flags().StringVar(&importAssemblyID, "assembly-id", "", "assembly id (default: generated)")
	importCmd.Flags().StringVar(&importName, "assembly", "", "assembly display name")
	importCmd.Flags().StringVar(&importFASTA, "fasta", "", "FASTA file, optionally gzip-compressed")
	importCmd.Flags().StringVar(&importGFF3, "gff3", "", "GFF3 annotations to load after the assembly")
	importCmd.Flags().Int64Var(&importChunkSize, "chunk-size", 0, "sequence chunk size (default: server default)")
	_ = importCmd.MarkFlagRequired("assembly")
	_ = importCmd.MarkFlagRequired("fasta")

	exportCmd.Flags().StringVar(&exportAssembly, "assembly", "", "assembly id")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default: stdout)")
	_ = exportCmd.MarkFlagRequired("assembly")

	changesCmd.Flags().Int64Var(&changesSince, "since", 0, "list changes after this sequence")
	changesCmd.Flags().StringSliceVar(&changesChannel, "channel", nil, "only changes on these channels")
	changesCmd.Flags().BoolVar(&changesJSON, "json", false, "print one JSON record per line")

	followCmd.Flags().StringVar(&followAssembly, "assembly", "", "assembly id")
	followCmd.Flags().BoolVar(&followPersist, "persist", true, "remember the last applied sequence across runs")
	_ = followCmd.MarkFlagRequired("assembly")
}

func newDriver(channels []string, seqs driver.SequenceStore) (*driver.CollaborationServerDriver, error) {
	c := appConfig.Collaboration
	url := serverURL
	if url == "" {
		url = c.ServerURL
	}
	return driver.NewCollaborationServerDriver(driver.CollaborationConfig{
		BaseURL:           url,
		Token:             c.Token,
		Channels:          channels,
		Sequences:         seqs,
		ReconnectInterval: c.ReconnectInterval,
		ReplayPageSize:    c.ReplayPageSize,
		Logger:            logger.Slog(),
	})
}

// submit sends c and turns a rejection into an error.
func submit(ctx context.Context, d *driver.CollaborationServerDriver, c changes.Change) error {
	rs, err := d.SubmitChange(ctx, c)
	if err != nil {
		return err
	}
	if !rs.OK() {
		return fmt.Errorf("%s rejected: %s", c.TypeName(), rs.ErrorMessage())
	}
	return nil
}

func upload(ctx context.Context, d *driver.CollaborationServerDriver, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	id, err := d.UploadFile(ctx, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return id, nil
}

func runImport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	d, err := newDriver(nil, nil)
	if err != nil {
		return err
	}
	asm := uuid.NewString()
	if importAssemblyID != "" {
		if asm, err = validation.SanitizeIdentifier(importAssemblyID); err != nil {
			return fmt.Errorf("--assembly-id: %w", err)
		}
	}

	fileID, err := upload(ctx, d, importFASTA)
	if err != nil {
		return err
	}
	if err := submit(ctx, d, &changes.AddAssemblyFromFileChange{
		Meta:         changes.Meta{Assembly: asm},
		FileID:       fileID,
		AssemblyName: importName,
		ChunkSize:    importChunkSize,
	}); err != nil {
		return err
	}
	logger.Info("Assembly imported", "assembly", asm, "name", importName)

	if importGFF3 != "" {
		fileID, err := upload(ctx, d, importGFF3)
		if err != nil {
			return err
		}
		if err := submit(ctx, d, &changes.AddFeaturesFromFileChange{
			Meta:   changes.Meta{Assembly: asm},
			FileID: fileID,
		}); err != nil {
			return err
		}
		logger.Info("Features imported", "assembly", asm, "file", importGFF3)
	}
	fmt.Fprintln(cmd.OutOrStdout(), asm)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) (err error) {
	ctx := cmd.Context()
	d, err := newDriver(nil, nil)
	if err != nil {
		return err
	}
	refSeqs, err := d.RefSeqs(ctx, exportAssembly)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, f.Close()) }()
		out = f
	}

	names := make(map[string]string, len(refSeqs))
	for _, r := range refSeqs {
		names[r.ID] = r.Name
	}
	w := gff3.NewWriter(out)
	w.SeqName = func(id string) string {
		if name, ok := names[id]; ok {
			return name
		}
		return id
	}
	n := 0
	for _, r := range refSeqs {
		docs, err := d.LoadRegion(ctx, clientstore.Region{Assembly: exportAssembly, RefSeq: r.ID, Start: 0, End: r.Length})
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := w.Write(doc.Feature); err != nil {
				return err
			}
			n++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	logger.Info("Assembly exported", "assembly", exportAssembly, "features", n, "refseqs", len(refSeqs))
	return nil
}

func runChanges(cmd *cobra.Command, _ []string) error {
	d, err := newDriver(nil, nil)
	if err != nil {
		return err
	}
	records, err := d.ChangesSince(cmd.Context(), changesSince, changesChannel)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if changesJSON {
		enc := json.NewEncoder(out)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tUSER\tTYPE\tASSEMBLY")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.Sequence, r.Timestamp.Format(time.RFC3339), r.UserName, r.TypeName, r.Assembly)
	}
	return tw.Flush()
}

func runFollow(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Channels come from the assembly's refseqs, so list them first.
	probe, err := newDriver(nil, nil)
	if err != nil {
		return err
	}
	refSeqs, err := probe.RefSeqs(ctx, followAssembly)
	if err != nil {
		return err
	}
	channels := []string{followAssembly}
	regions := make([]clientstore.Region, 0, len(refSeqs))
	for _, r := range refSeqs {
		channels = append(channels, docstore.Channel(followAssembly, r.ID))
		regions = append(regions, clientstore.Region{Assembly: followAssembly, RefSeq: r.ID, Start: 0, End: r.Length})
	}

	var seqs driver.SequenceStore = &driver.MemorySequenceStore{}
	if followPersist {
		db, err := badgerstore.OpenDB(badgerstore.Config{
			Path:              filepath.Join(appConfig.Storage.DataDir, "client"),
			NumVersionsToKeep: 1,
			Logger:            logger.Slog(),
		})
		if err != nil {
			return fmt.Errorf("open client database: %w", err)
		}
		defer db.Close()
		url := serverURL
		if url == "" {
			url = appConfig.Collaboration.ServerURL
		}
		seqs = driver.NewBadgerSequenceStore(db, url)
	}

	d, err := newDriver(channels, seqs)
	if err != nil {
		return err
	}
	store := clientstore.New(clientstore.Config{Loader: d, Logger: logger.Slog()})
	out := ux.NewPrinter(cmd.OutOrStdout(), ux.LevelFor(cmd.OutOrStdout(), os.LookupEnv))
	m, err := manager.New(manager.Config{
		Client: store,
		Driver: d,
		Notifier: manager.NotifierFunc(func(level manager.Level, msg string) {
			out.Notify(string(level), time.Now().Format(time.TimeOnly)+" "+msg)
		}),
		Logger: logger.Slog(),
	})
	if err != nil {
		return err
	}
	if err := store.LoadFeatures(ctx, regions); err != nil {
		return err
	}
	out.Title(fmt.Sprintf("Following %s: %d top-level features on %d refseqs", followAssembly, store.Len(), len(refSeqs)))

	err = d.Run(ctx, m)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
