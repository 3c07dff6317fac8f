package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix namespaces every configuration variable.
const EnvPrefix = "MODULAR_DDD_"

// EnvProfile selects the base profile; the remaining variables override
// individual keys of it.
const EnvProfile = EnvPrefix + "PROFILE"

// Lookup resolves one environment variable; os.LookupEnv in production,
// a map lookup in tests.
type Lookup func(key string) (string, bool)

// FromEnv builds a profile from the environment: the MODULAR_DDD_PROFILE
// preset (default startup) with per-key overrides applied on top. A nil
// lookup reads the process environment.
func FromEnv(lookup Lookup) (Profile, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	name := "startup"
	if v, ok := lookup(EnvProfile); ok {
		name = v
	}
	profile, err := ByName(name)
	if err != nil {
		return Profile{}, err
	}
	return profile.Override(lookup)
}

// Override applies per-key environment overrides on top of the profile.
func (p Profile) Override(lookup Lookup) (Profile, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var err error

	setString := func(key string, dst *string, allowed ...string) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		for _, a := range allowed {
			if v == a {
				*dst = v
				return
			}
		}
		err = fmt.Errorf("config: invalid %s%s value %q", EnvPrefix, key, v)
	}
	setInt := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		n, parseErr := strconv.Atoi(v)
		if parseErr != nil {
			err = fmt.Errorf("config: invalid %s%s: %w", EnvPrefix, key, parseErr)
			return
		}
		*dst = n
	}
	setInt64 := func(key string, dst *int64) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		n, parseErr := strconv.ParseInt(v, 10, 64)
		if parseErr != nil {
			err = fmt.Errorf("config: invalid %s%s: %w", EnvPrefix, key, parseErr)
			return
		}
		*dst = n
	}
	setDuration := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		d, parseErr := time.ParseDuration(v)
		if parseErr != nil {
			err = fmt.Errorf("config: invalid %s%s: %w", EnvPrefix, key, parseErr)
			return
		}
		*dst = d
	}

	setString("SNAPSHOT_STRATEGY", &p.SnapshotStrategy, SnapshotSimple, SnapshotAdaptive)
	setInt64("SNAPSHOT_THRESHOLD", &p.SnapshotThreshold)
	setInt("SNAPSHOT_KEEP", &p.SnapshotKeep)
	setDuration("HOT_STORE_TTL", &p.HotStoreTTL)
	setInt("HOT_STORE_MAX_ENTRIES", &p.HotStoreMaxEntries)
	setInt("L1_MAX_ENTRIES", &p.L1MaxEntries)
	setInt64("L1_MAX_BYTES", &p.L1MaxBytes)
	setDuration("L1_TTL", &p.L1TTL)
	setDuration("L2_TTL", &p.L2TTL)
	setDuration("L3_TTL", &p.L3TTL)
	setString("ASYNC_STRATEGY", &p.AsyncStrategy, AsyncInline, AsyncQueue)
	setString("PROJECTION_STRATEGY", &p.ProjectionStrategy,
		ProjectionRealtime, ProjectionAsync, ProjectionBatched)
	setInt("BATCH_MAX_SIZE", &p.BatchMaxSize)
	setDuration("BATCH_MAX_AGE", &p.BatchMaxAge)
	setDuration("SWEEP_INTERVAL", &p.SweepInterval)

	if err != nil {
		return Profile{}, err
	}
	return p, nil
}
