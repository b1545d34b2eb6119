package sensor

import (
	"database/sql"
	"os"
	"path/filepath"

	"codeberg.org/mutker/shockwatch/internal/accel"
	"codeberg.org/mutker/shockwatch/internal/errors"
	"codeberg.org/mutker/shockwatch/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const defaultDirPerm = 0o755

// ReplayOpts configures a Replay sensor.
type ReplayOpts struct {
	// Path is the SQLite trace file.
	Path string
	// Loop restarts the trace from the beginning instead of ending it.
	Loop bool
}

// Replay is a Sensor that plays back a recorded trace, one sample per read.
// The whole trace is loaded at open so reads never touch the disk.
type Replay struct {
	samples []accel.Sample
	pos     int
	loop    bool
	logger  logger.Logger
}

// OpenReplay loads the trace at opts.Path.
func OpenReplay(opts ReplayOpts, log logger.Logger) (*Replay, error) {
	errFactory := errors.New()

	if opts.Path == "" {
		return nil, errFactory.New(ErrInvalidTracePath)
	}
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, errFactory.Wrap(ErrInvalidTracePath, err)
	}

	db, err := sql.Open("sqlite3", "file:"+filepath.Clean(opts.Path)+"?mode=ro")
	if err != nil {
		return nil, errFactory.Wrap(ErrInitFailed, err)
	}
	defer db.Close()

	version, err := GetSchemaVersion(db)
	if err != nil {
		return nil, errFactory.Wrap(ErrInitFailed, err)
	}
	if version != SchemaVersion {
		return nil, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase    string
			Found    int
			Expected int
		}{
			Phase:    "check_version",
			Found:    version,
			Expected: SchemaVersion,
		})
	}

	samples, err := loadSamples(db)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errFactory.WithData(ErrTraceEmpty, opts.Path)
	}

	log.Info().
		Str("path", opts.Path).
		Int("samples", len(samples)).
		Bool("loop", opts.Loop).
		Msg("Replay trace loaded")

	return &Replay{
		samples: samples,
		loop:    opts.Loop,
		logger:  log,
	}, nil
}

// ReadSample returns the next sample of the trace. At the end of a
// non-looping trace it returns an ErrTraceExhausted error.
func (r *Replay) ReadSample() (accel.Sample, error) {
	if r.pos >= len(r.samples) {
		if !r.loop {
			return accel.Sample{}, errors.New().New(ErrTraceExhausted)
		}
		r.logger.Debug().Int("samples", len(r.samples)).Msg("Replay trace restarted")
		r.pos = 0
	}

	s := r.samples[r.pos]
	r.pos++

	return s, nil
}

// Len returns the number of samples in the trace.
func (r *Replay) Len() int {
	return len(r.samples)
}

// Halt is a no-op; the trace holds no device.
func (*Replay) Halt() error {
	return nil
}

// WriteTrace creates a trace file at path holding samples in order. An
// existing trace at path is replaced.
func WriteTrace(path string, samples []accel.Sample, log logger.Logger) error {
	errFactory := errors.New()

	if path == "" {
		return errFactory.New(ErrInvalidTracePath)
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrInvalidTracePath, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(ErrInvalidTracePath, err)
	}

	db, err := sql.Open("sqlite3", filepath.Clean(path))
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	defer db.Close()

	if err := InitSchema(db, log); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			log.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	defer stmt.Close()

	for i, s := range samples {
		if _, err := stmt.Exec(i, s.X, s.Y, s.Z); err != nil {
			if err := tx.Rollback(); err != nil {
				log.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrSchemaInitFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	log.Debug().Str("path", path).Int("samples", len(samples)).Msg("Trace written")

	return nil
}

func loadSamples(db *sql.DB) ([]accel.Sample, error) {
	errFactory := errors.New()

	rows, err := db.Query(selectSamplesSQL)
	if err != nil {
		return nil, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	defer rows.Close()

	var samples []accel.Sample
	for rows.Next() {
		var x, y, z float64
		if err := rows.Scan(&x, &y, &z); err != nil {
			return nil, errFactory.Wrap(ErrSchemaValidationFailed, err)
		}
		samples = append(samples, accel.Sample{X: float32(x), Y: float32(y), Z: float32(z)})
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	return samples, nil
}
