package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kiosk-relay/internal/clients"
	"kiosk-relay/internal/platform/metrics"

	"github.com/spf13/afero"
)

// DuplicatePolicy decides what happens when a segment name is uploaded twice.
type DuplicatePolicy string

const (
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	DuplicateReject    DuplicatePolicy = "reject"
)

const lastSegmentTimeLayout = "2006-01-02T15:04:05.000000Z"

// Config holds the per-deployment livestream settings.
type Config struct {
	KeepN           int
	SegmentDuration int
	Container       string
	DuplicatePolicy DuplicatePolicy
	BaseURL         string
}

func (c Config) withDefaults() Config {
	if c.KeepN <= 0 {
		c.KeepN = DefaultKeepN
	}
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = DefaultSegmentDuration
	}
	if c.Container != ExtMP4 {
		c.Container = ExtTS
	}
	if c.DuplicatePolicy != DuplicateReject {
		c.DuplicatePolicy = DuplicateOverwrite
	}
	return c
}

// UploadMeta carries explicit segment metadata sent with an upload. Nil
// fields fall back to what the filename encodes.
type UploadMeta struct {
	Sequence  *int64
	Timestamp *time.Time
}

// Service is the upload/cleanup gateway around the segment Store, the
// RetentionPolicy and the manifest builder. All store mutations and manifest
// rebuilds for one client are serialized; different clients proceed in parallel.
type Service struct {
	store     Store
	repo      StatusRepository
	validator clients.Validator
	cfg       Config
	locks     *keyedMutex
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService returns a Service. A nil validator admits every client and m may
// be nil to disable metric recording.
func NewService(store Store, repo StatusRepository, cfg Config, validator clients.Validator, log *slog.Logger, m *metrics.Metrics) *Service {
	if validator == nil {
		validator = clients.AllowAll{}
	}
	return &Service{
		store:     store,
		repo:      repo,
		validator: validator,
		cfg:       cfg.withDefaults(),
		locks:     newKeyedMutex(),
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// ValidateClient checks clientID against the client registry.
func (s *Service) ValidateClient(ctx context.Context, clientID ClientID) error {
	if err := validClientID(clientID); err != nil {
		return err
	}
	return s.validator.Validate(ctx, string(clientID))
}

// Upload stores a segment, applies retention and rebuilds the manifest.
// A failed manifest rebuild is logged and does not fail the upload.
func (s *Service) Upload(ctx context.Context, clientID ClientID, filename string, data []byte, um UploadMeta) (UploadResult, error) {
	if err := validClientID(clientID); err != nil {
		return UploadResult{}, err
	}
	ext := extOf(filename)
	if !supportedExt(ext) || ext != s.cfg.Container {
		return UploadResult{}, ErrUnsupportedMediaType
	}
	parsed, ok := parseSegmentName(filename)
	if !ok {
		return UploadResult{}, ErrInvalidSegmentName
	}
	if err := s.validator.Validate(ctx, string(clientID)); err != nil {
		return UploadResult{}, err
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	if s.repo.Stopped(clientID) {
		return UploadResult{}, ErrStreamStopped
	}

	meta := SegmentMeta{Sequence: parsed.Sequence, Timestamp: parsed.Timestamp}
	if um.Sequence != nil {
		meta.Sequence = *um.Sequence
	}
	if um.Timestamp != nil {
		ts := um.Timestamp.UTC()
		meta.Timestamp = &ts
	}

	overwrite := s.cfg.DuplicatePolicy == DuplicateOverwrite
	if err := s.store.Put(clientID, filename, data, meta, overwrite); err != nil {
		var se *StorageError
		if errors.Is(err, ErrDuplicateSegment) || errors.Is(err, ErrInvalidSegmentName) || errors.As(err, &se) {
			return UploadResult{}, err
		}
		return UploadResult{}, &StorageError{Op: "put", Err: err}
	}

	if s.repo.RecordUpload(clientID, meta.Sequence, s.now()) {
		s.log.Warn("segment sequence went backwards",
			slog.String("client_id", string(clientID)),
			slog.String("filename", filename),
			slog.Int64("sequence", meta.Sequence))
		if s.metrics != nil {
			s.metrics.IncSequenceRegressions()
		}
	}

	if _, err := s.rebuildLocked(clientID, s.cfg.KeepN, s.cfg.SegmentDuration); err != nil {
		s.manifestFailed(clientID, err)
	}

	return UploadResult{Filename: filename, ClientID: clientID}, nil
}

// Cleanup deletes every valid segment not named in keepFiles, then applies
// retention with keepN and rebuilds the manifest with the given duration.
// Names in keepFiles that do not exist are ignored.
func (s *Service) Cleanup(ctx context.Context, clientID ClientID, keepFiles []string, keepN, duration int) (CleanupResult, error) {
	if err := validClientID(clientID); err != nil {
		return CleanupResult{}, err
	}
	if err := s.validator.Validate(ctx, string(clientID)); err != nil {
		return CleanupResult{}, err
	}
	if keepN <= 0 {
		keepN = s.cfg.KeepN
	}
	if duration <= 0 {
		duration = s.cfg.SegmentDuration
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	files, err := s.filesLocked(clientID)
	if err != nil {
		return CleanupResult{}, err
	}

	keep := make(map[string]struct{}, len(keepFiles))
	for _, name := range keepFiles {
		keep[name] = struct{}{}
	}

	res := CleanupResult{Deleted: []string{}, Kept: []string{}}
	if len(files) == 0 {
		// Nothing stored and no manifest: leave an unknown client without a directory.
		if _, err := s.store.ReadManifest(clientID); errors.Is(err, ErrNotFound) {
			return res, nil
		}
	}
	policy := RetentionPolicy{KeepN: keepN, Container: s.cfg.Container}
	for _, seg := range policy.validSegments(clientID, files) {
		if _, ok := keep[seg.Name]; ok {
			res.Kept = append(res.Kept, seg.Name)
			continue
		}
		if err := s.store.Remove(clientID, seg.Name); err != nil {
			return res, err
		}
		res.Deleted = append(res.Deleted, seg.Name)
	}
	s.countDeleted(len(res.Deleted))

	stale, err := s.rebuildLocked(clientID, keepN, duration)
	if err != nil {
		s.manifestFailed(clientID, err)
	}
	for _, name := range stale {
		res.Deleted = append(res.Deleted, name)
		res.Kept = without(res.Kept, name)
	}

	s.log.Info("segments cleaned up",
		slog.String("client_id", string(clientID)),
		slog.Int("deleted", len(res.Deleted)),
		slog.Int("kept", len(res.Kept)))
	return res, nil
}

// LastSegmentInfo reports the last segment listed in the client's manifest.
// It only reads, so repeated calls without uploads return the same result.
func (s *Service) LastSegmentInfo(clientID ClientID) (LastSegmentInfo, error) {
	if err := validClientID(clientID); err != nil {
		return LastSegmentInfo{}, err
	}
	data, err := s.store.ReadManifest(clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LastSegmentInfo{}, ErrNoManifest
		}
		return LastSegmentInfo{}, err
	}
	entries := parseManifest(data)
	if len(entries) == 0 {
		return LastSegmentInfo{}, ErrNoSegments
	}
	last := entries[len(entries)-1]

	info, err := s.store.ReadMetadata(clientID, last.Name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LastSegmentInfo{}, ErrSegmentMissing
		}
		return LastSegmentInfo{}, err
	}

	ts := info.ModTime
	switch {
	case last.Timestamp != nil:
		ts = *last.Timestamp
	case info.Meta != nil && info.Meta.Timestamp != nil:
		ts = *info.Meta.Timestamp
	default:
		if p, ok := parseSegmentName(last.Name); ok && p.Timestamp != nil {
			ts = *p.Timestamp
		}
	}
	ts = ts.UTC()

	return LastSegmentInfo{
		Segment:   last.Name,
		Timestamp: ts.Format(lastSegmentTimeLayout),
		Epoch:     float64(ts.UnixNano()) / float64(time.Second),
	}, nil
}

// Reset removes every stored file for the client and forgets its stream
// status. existed is false when there was nothing to remove.
func (s *Service) Reset(ctx context.Context, clientID ClientID) (existed bool, err error) {
	if err := validClientID(clientID); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	existed, err = s.store.Reset(clientID)
	if err != nil {
		return existed, err
	}
	s.repo.Forget(clientID)
	s.log.Info("client segments reset",
		slog.String("client_id", string(clientID)),
		slog.Bool("existed", existed))
	return existed, nil
}

// Start marks the client's stream active again after a Stop.
func (s *Service) Start(ctx context.Context, clientID ClientID) (StreamStatus, error) {
	return s.setStopped(clientID, false)
}

// Stop marks the client's stream stopped: the manifest gets #EXT-X-ENDLIST
// and uploads are rejected until Start or Reset.
func (s *Service) Stop(ctx context.Context, clientID ClientID) (StreamStatus, error) {
	return s.setStopped(clientID, true)
}

func (s *Service) setStopped(clientID ClientID, stopped bool) (StreamStatus, error) {
	if err := validClientID(clientID); err != nil {
		return StreamStatus{}, err
	}

	unlock := s.locks.Lock(clientID)
	defer unlock()

	if stopped {
		s.repo.Stop(clientID)
	} else {
		s.repo.Start(clientID)
	}

	// Only refresh an existing manifest; stopping an unknown client should
	// not create a directory.
	if _, err := s.store.ReadManifest(clientID); err == nil {
		if _, err := s.rebuildLocked(clientID, s.cfg.KeepN, s.cfg.SegmentDuration); err != nil {
			s.manifestFailed(clientID, err)
		}
	}

	st, _ := s.repo.Status(clientID)
	return st, nil
}

// Status returns the client's stream status. Unknown clients report an
// inactive, unstopped status.
func (s *Service) Status(clientID ClientID) (StreamStatus, error) {
	if err := validClientID(clientID); err != nil {
		return StreamStatus{}, err
	}
	st, ok := s.repo.Status(clientID)
	if !ok {
		return StreamStatus{ClientID: clientID}, nil
	}
	return st, nil
}

// Streams returns the status of every known client.
func (s *Service) Streams() []StreamStatus {
	ids := s.repo.ClientIDs()
	out := make([]StreamStatus, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.repo.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// ActiveStreamCount returns the number of active streams.
func (s *Service) ActiveStreamCount() int {
	return s.repo.ActiveStreamCount()
}

// Open opens a manifest or segment for the static read path.
func (s *Service) Open(clientID ClientID, name string) (afero.File, error) {
	return s.store.Open(clientID, name)
}

// filesLocked lists the client's segments with their metadata. Files that
// vanish between listing and stat are skipped.
func (s *Service) filesLocked(clientID ClientID) ([]FileInfo, error) {
	names, err := s.store.List(clientID)
	if err != nil {
		return nil, err
	}
	files := make([]FileInfo, 0, len(names))
	for _, name := range names {
		fi, err := s.store.ReadMetadata(clientID, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		files = append(files, fi)
	}
	return files, nil
}

// rebuildLocked applies retention, deletes stale segments and writes a fresh
// manifest. It returns the names deleted by retention. Caller must hold the
// client's lock.
func (s *Service) rebuildLocked(clientID ClientID, keepN, duration int) ([]string, error) {
	files, err := s.filesLocked(clientID)
	if err != nil {
		return nil, err
	}

	policy := RetentionPolicy{KeepN: keepN, Container: s.cfg.Container}
	retained, stale := policy.Apply(clientID, files)

	deleted := make([]string, 0, len(stale))
	var removeErr error
	for _, seg := range stale {
		if err := s.store.Remove(clientID, seg.Name); err != nil {
			removeErr = errors.Join(removeErr, err)
			continue
		}
		deleted = append(deleted, seg.Name)
	}
	s.countDeleted(len(deleted))

	manifest := BuildManifest(clientID, retained, ManifestOptions{
		Duration: duration,
		BaseURL:  s.cfg.BaseURL,
		Ended:    s.repo.Stopped(clientID),
	})
	if err := s.store.WriteManifest(clientID, []byte(manifest)); err != nil {
		return deleted, errors.Join(removeErr, err)
	}
	if removeErr != nil {
		return deleted, fmt.Errorf("retention: %w", removeErr)
	}
	return deleted, nil
}

func (s *Service) manifestFailed(clientID ClientID, err error) {
	s.log.Error("manifest rebuild failed",
		slog.String("client_id", string(clientID)),
		slog.String("error", err.Error()))
	if s.metrics != nil {
		s.metrics.IncManifestFailures()
	}
}

func (s *Service) countDeleted(n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.AddSegmentsDeleted(n)
	}
}

func without(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
