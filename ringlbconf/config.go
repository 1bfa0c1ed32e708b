// Package ringlbconf loads and validates every tunable named in the
// external interfaces surface, from environment variables, with defaults
// matching the documented values.
package ringlbconf

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ringlb/ringlb/ring"
)

// Config is the fully validated, typed configuration for one ringlb
// process.
type Config struct {
	TargetCF          float64
	GrowthRate        float64
	ServerLoadCutoffs [4]float64

	RequestMonitorRecordTTL time.Duration
	ModulationInterval      time.Duration
	RedistributionInterval  time.Duration
	PollInterval            time.Duration

	InitialBackendCount int
	PortRangeStart      uint16
	PortRangeEnd        uint16

	RingSize               uint32
	InitialAnglesPerServer int
	HashFunctionID         ring.HashFunction
	RingSeed               int64

	DispatcherPort int
}

// Load reads every key from the environment, applying the defaults
// documented for the core, then validates the result.
func Load() (Config, error) {
	cfg := Config{
		TargetCF:                getFloat("TARGET_CF", 0.5),
		GrowthRate:              getFloat("GROWTH_RATE", 5.0),
		ServerLoadCutoffs:       getCutoffs("SERVER_LOAD_CUTOFFS", [4]float64{0.25, 0.5, 0.75, 1.5}),
		RequestMonitorRecordTTL: getMillis("REQUEST_MONITOR_RECORD_TTL_MS", 10_000),
		ModulationInterval:      getMillis("MODULATION_INTERVAL_MS", 2_000),
		RedistributionInterval:  getMillis("REDISTRIBUTION_INTERVAL_MS", 1_000),
		PollInterval:            getMillis("POLL_INTERVAL_MS", 500),
		InitialBackendCount:     getInt("INITIAL_BACKEND_COUNT", 39),
		PortRangeStart:          uint16(getInt("SELECTABLE_PORT_RANGE_START", 37100)),
		PortRangeEnd:            uint16(getInt("SELECTABLE_PORT_RANGE_END", 37200)),
		RingSize:                uint32(getInt("RING_SIZE", 1<<16)),
		InitialAnglesPerServer:  getInt("INITIAL_ANGLES_PER_SERVER", 10),
		HashFunctionID:          getHashFunction("HASH_FUNCTION_ID", ring.FNV1A32),
		RingSeed:                int64(getInt("RING_SEED", 42)),
		DispatcherPort:          getInt("DISPATCHER_PORT", 8080),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants that must hold before any component is
// constructed: cutoff ordering and ring-size power-of-two, per the
// startup-time validation the core requires.
func (c Config) Validate() error {
	cutoffs := c.ServerLoadCutoffs
	if !(cutoffs[0] < cutoffs[1] && cutoffs[1] < cutoffs[2] && cutoffs[2] < cutoffs[3]) {
		return fmt.Errorf("ringlbconf: serverLoadCutoffs must be strictly increasing, got %v", cutoffs)
	}
	if c.RingSize < 1<<14 || c.RingSize&(c.RingSize-1) != 0 {
		return fmt.Errorf("ringlbconf: ringSize must be a power of two >= 2^14, got %d", c.RingSize)
	}
	if c.PortRangeEnd <= c.PortRangeStart {
		return fmt.Errorf("ringlbconf: selectablePortRange must be non-empty, got [%d, %d)", c.PortRangeStart, c.PortRangeEnd)
	}
	if int(c.PortRangeEnd-c.PortRangeStart) < c.InitialBackendCount {
		return fmt.Errorf("ringlbconf: selectablePortRange too small for initialBackendCount %d", c.InitialBackendCount)
	}
	if !c.HashFunctionID.Valid() {
		return fmt.Errorf("ringlbconf: unknown hashFunctionId %v", c.HashFunctionID)
	}
	return nil
}

func getInt(key string, def int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func getMillis(key string, defMs int) time.Duration {
	return time.Duration(getInt(key, defMs)) * time.Millisecond
}

func getCutoffs(key string, def [4]float64) [4]float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var out [4]float64
	n, err := fmt.Sscanf(raw, "%g,%g,%g,%g", &out[0], &out[1], &out[2], &out[3])
	if err != nil || n != 4 {
		return def
	}
	return out
}

func getHashFunction(key string, def ring.HashFunction) ring.HashFunction {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch raw {
	case "FNV1A32":
		return ring.FNV1A32
	case "MD5_LOW32":
		return ring.MD5Low32
	default:
		return def
	}
}
