package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/canonical"
)

// exportHeader is the first JSON line of an export; it makes the file
// self-verifying by naming the key the events verify under.
type exportHeader struct {
	ExportVersion    string    `json:"export_version"`
	GatewayPublicKey string    `json:"gateway_public_key"`
	ChainHead        string    `json:"chain_head"`
	GeneratedAt      time.Time `json:"generated_at"`
	EventCount       int       `json:"event_count"`
}

// Export streams JSON lines in log order: one header line followed by
// one event per line, decimals carried as strings.
func (l *Log) Export(ctx context.Context, f Filter, w io.Writer) error {
	events, err := l.Events(ctx, f)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	header := exportHeader{
		ExportVersion:    "1",
		GatewayPublicKey: l.PublicKey(),
		ChainHead:        l.Head(),
		GeneratedAt:      l.clock().UTC(),
		EventCount:       len(events),
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("audit: write export header: %w", err)
	}
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("audit: write export event: %w", err)
		}
	}
	return nil
}

// EvidencePack is a zip bundle of exported events plus a manifest binding
// the chain head, merkle root and signing key.
type EvidencePack struct {
	PackID     string `json:"pack_id"`
	Checksum   string `json:"checksum"`
	EventCount int    `json:"event_count"`
	Location   string `json:"location,omitempty"`
	Data       []byte `json:"-"`
}

// Sink stores a finished evidence pack somewhere durable and returns its
// location reference.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// BuildEvidencePack assembles events.jsonl and manifest.json into a zip.
// When sink is non-nil the pack is uploaded and Location is set.
func (l *Log) BuildEvidencePack(ctx context.Context, f Filter, sink Sink) (*EvidencePack, error) {
	events, err := l.Events(ctx, f)
	if err != nil {
		return nil, err
	}

	var lines bytes.Buffer
	if err := l.Export(ctx, f, &lines); err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(events))
	for _, ev := range events {
		hashes = append(hashes, ev.EventHash)
	}

	packID := uuid.New().String()
	manifest := map[string]any{
		"pack_id":            packID,
		"generated_at":       l.clock().UTC(),
		"event_count":        len(events),
		"chain_head":         l.Head(),
		"merkle_root":        FoldMerkle(hashes),
		"gateway_public_key": l.PublicKey(),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: marshal pack manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	fw, err := zw.Create("events.jsonl")
	if err != nil {
		return nil, fmt.Errorf("audit: create pack entry: %w", err)
	}
	if _, err := fw.Write(lines.Bytes()); err != nil {
		return nil, fmt.Errorf("audit: write pack events: %w", err)
	}
	fw, err = zw.Create("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("audit: create pack entry: %w", err)
	}
	if _, err := fw.Write(manifestJSON); err != nil {
		return nil, fmt.Errorf("audit: write pack manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("audit: finalize pack: %w", err)
	}

	pack := &EvidencePack{
		PackID:     packID,
		Checksum:   canonical.HashBytes(buf.Bytes()),
		EventCount: len(events),
		Data:       buf.Bytes(),
	}

	if sink != nil {
		loc, err := sink.Put(ctx, packID+".zip", pack.Data)
		if err != nil {
			return nil, fmt.Errorf("audit: upload evidence pack: %w", err)
		}
		pack.Location = loc
	}
	return pack, nil
}
