// SPDX-License-Identifier: MIT

// Package catalog persists files and their tracks and runs the introspection
// pipeline that keeps them current.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vpo-project/vpo/internal/media"
	"github.com/vpo-project/vpo/internal/store"
)

// ErrFileNotFound is returned when a path has no catalog row.
var ErrFileNotFound = errors.New("catalog: file not found")

// Store wraps the storage engine with file/track operations.
type Store struct {
	db *store.Store
}

// NewStore returns a catalog store over the shared engine.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

// UpsertFile inserts or updates the file row and returns its id.
func (s *Store) UpsertFile(ctx context.Context, f *media.File) (int64, error) {
	var id int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		INSERT INTO files (path, filename, directory, extension, size, container, partial_hash, mod_time, scan_time, scan_status, scan_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			filename = excluded.filename,
			directory = excluded.directory,
			extension = excluded.extension,
			size = excluded.size,
			container = excluded.container,
			partial_hash = excluded.partial_hash,
			mod_time = excluded.mod_time,
			scan_time = excluded.scan_time,
			scan_status = excluded.scan_status,
			scan_error = excluded.scan_error`,
			f.Path, f.Filename, f.Directory, f.Extension, f.Size, f.Container, f.PartialHash,
			timeOrNull(f.ModTime), timeOrNull(f.ScanTime), string(f.ScanStatus), f.ScanError)
		if err != nil {
			return err
		}
		if lastID, err := res.LastInsertId(); err == nil && lastID != 0 {
			id = lastID
		}
		// Upserts that hit the conflict arm do not report an insert id.
		return tx.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, f.Path).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: upsert file: %w", err)
	}
	f.ID = id
	return id, nil
}

// ReplaceTracks swaps a file's track set atomically: all previous rows are
// deleted and the new ones inserted in order, inside one write transaction.
// Failure at any step leaves the prior set intact.
func (s *Store) ReplaceTracks(ctx context.Context, fileID int64, tracks []media.Track) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tracks WHERE file_id = ?`, fileID); err != nil {
			return fmt.Errorf("delete tracks: %w", err)
		}
		for _, tr := range tracks {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO tracks (file_id, track_index, type, codec, language, title, is_default, is_forced,
				channels, channel_layout, width, height, frame_rate,
				color_transfer, color_primaries, color_space, color_range, duration)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				fileID, tr.TrackIndex, string(tr.Type), tr.Codec, tr.Language, tr.Title,
				boolInt(tr.Default), boolInt(tr.Forced),
				tr.Channels, tr.ChannelLayout, tr.Width, tr.Height, tr.FrameRate,
				nullIfEmpty(tr.ColorTransfer), nullIfEmpty(tr.ColorPrimaries),
				nullIfEmpty(tr.ColorSpace), nullIfEmpty(tr.ColorRange), tr.Duration); err != nil {
				return fmt.Errorf("insert track %d: %w", tr.TrackIndex, err)
			}
		}
		return nil
	})
}

// GetFileByPath returns the file row for an absolute path.
func (s *Store) GetFileByPath(ctx context.Context, path string) (*media.File, error) {
	row := s.db.Read().QueryRowContext(ctx, `
	SELECT id, path, filename, directory, extension, size, container, partial_hash,
		mod_time, scan_time, scan_status, scan_error
	FROM files WHERE path = ?`, path)
	return scanFile(row)
}

// GetFileByID returns the file row by surrogate id.
func (s *Store) GetFileByID(ctx context.Context, id int64) (*media.File, error) {
	row := s.db.Read().QueryRowContext(ctx, `
	SELECT id, path, filename, directory, extension, size, container, partial_hash,
		mod_time, scan_time, scan_status, scan_error
	FROM files WHERE id = ?`, id)
	return scanFile(row)
}

func scanFile(row *sql.Row) (*media.File, error) {
	var f media.File
	var modTime, scanTime sql.NullString
	var status string
	err := row.Scan(&f.ID, &f.Path, &f.Filename, &f.Directory, &f.Extension, &f.Size,
		&f.Container, &f.PartialHash, &modTime, &scanTime, &status, &f.ScanError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	f.ScanStatus = media.ScanStatus(status)
	if modTime.Valid {
		f.ModTime, _ = time.Parse(time.RFC3339, modTime.String)
	}
	if scanTime.Valid {
		f.ScanTime, _ = time.Parse(time.RFC3339, scanTime.String)
	}
	return &f, nil
}

// GetTracks returns a file's tracks in index order.
func (s *Store) GetTracks(ctx context.Context, fileID int64) (media.TrackSet, error) {
	rows, err := s.db.Read().QueryContext(ctx, `
	SELECT id, file_id, track_index, type, codec, language, title, is_default, is_forced,
		channels, channel_layout, width, height, frame_rate,
		color_transfer, color_primaries, color_space, color_range, duration
	FROM tracks WHERE file_id = ? ORDER BY track_index`, fileID)
	if err != nil {
		return media.TrackSet{}, err
	}
	defer func() { _ = rows.Close() }()

	var ts media.TrackSet
	for rows.Next() {
		var tr media.Track
		var typ string
		var isDefault, isForced int
		var ct, cp, cs, cr sql.NullString
		if err := rows.Scan(&tr.ID, &tr.FileID, &tr.TrackIndex, &typ, &tr.Codec, &tr.Language, &tr.Title,
			&isDefault, &isForced, &tr.Channels, &tr.ChannelLayout, &tr.Width, &tr.Height, &tr.FrameRate,
			&ct, &cp, &cs, &cr, &tr.Duration); err != nil {
			return media.TrackSet{}, err
		}
		tr.Type = media.TrackType(typ)
		tr.Default = isDefault == 1
		tr.Forced = isForced == 1
		tr.ColorTransfer = ct.String
		tr.ColorPrimaries = cp.String
		tr.ColorSpace = cs.String
		tr.ColorRange = cr.String
		ts.Tracks = append(ts.Tracks, tr)
	}
	return ts, rows.Err()
}

// DeleteFile removes a file row; tracks and analyses cascade.
func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	_, err := s.db.ExecWrite(ctx, `DELETE FROM files WHERE id = ?`, id)
	return err
}

// LanguageAnalysisByTrack returns the cached analysis rows for the given
// track ids, keyed by track id.
func (s *Store) LanguageAnalysisByTrack(ctx context.Context, trackIDs []int64) (map[int64]*media.LanguageAnalysis, error) {
	out := map[int64]*media.LanguageAnalysis{}
	for _, trackID := range trackIDs {
		a, err := s.languageAnalysis(ctx, trackID)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out[trackID] = a
		}
	}
	return out, nil
}

func (s *Store) languageAnalysis(ctx context.Context, trackID int64) (*media.LanguageAnalysis, error) {
	var a media.LanguageAnalysis
	var analysisID int64
	var classification string
	err := s.db.Read().QueryRowContext(ctx, `
	SELECT id, track_id, file_hash, primary_language, primary_percentage, classification,
		plugin_name, plugin_version, model, speech_ratio
	FROM language_analysis WHERE track_id = ?`, trackID).Scan(
		&analysisID, &a.TrackID, &a.FileHash, &a.PrimaryLanguage, &a.PrimaryPercentage,
		&classification, &a.PluginName, &a.PluginVersion, &a.Model, &a.SpeechRatio)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Classification = media.LanguageClassification(classification)

	rows, err := s.db.Read().QueryContext(ctx, `
	SELECT language, start_time, end_time, confidence
	FROM language_segments WHERE analysis_id = ? ORDER BY start_time`, analysisID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var seg media.LanguageSegment
		if err := rows.Scan(&seg.Language, &seg.StartTime, &seg.EndTime, &seg.Confidence); err != nil {
			return nil, err
		}
		a.Segments = append(a.Segments, seg)
	}
	return &a, rows.Err()
}

// SaveLanguageAnalysis stores an analysis result and its segments, replacing
// any previous analysis for the track.
func (s *Store) SaveLanguageAnalysis(ctx context.Context, a *media.LanguageAnalysis) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM language_analysis WHERE track_id = ?`, a.TrackID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
		INSERT INTO language_analysis (track_id, file_hash, primary_language, primary_percentage,
			classification, plugin_name, plugin_version, model, speech_ratio)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.TrackID, a.FileHash, a.PrimaryLanguage, a.PrimaryPercentage,
			string(a.Classification), a.PluginName, a.PluginVersion, a.Model, a.SpeechRatio)
		if err != nil {
			return err
		}
		analysisID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, seg := range a.Segments {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO language_segments (analysis_id, language, start_time, end_time, confidence)
			VALUES (?, ?, ?, ?, ?)`,
				analysisID, seg.Language, seg.StartTime, seg.EndTime, seg.Confidence); err != nil {
				return err
			}
		}
		return nil
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
