package propagation

import (
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/transform"
)

// Snapshot holds the states of every satellite with ephemeris at one epoch.
type Snapshot struct {
	Time       time.Time        `json:"time"`
	Satellites []SatelliteState `json:"satellites"`
	Errors     int              `json:"errors"`
}

// SatelliteState is one satellite's broadcast state at a snapshot epoch.
type SatelliteState struct {
	Sat        gnss.SatID              `json:"sat"`
	Pos        [3]float64              `json:"pos_ecef_m"`
	Vel        [3]float64              `json:"vel_ecef_mps"`
	ClockBias  float64                 `json:"clock_bias_s"`
	ClockDrift float64                 `json:"clock_drift"`
	Healthy    bool                    `json:"healthy"`
	SubPoint   transform.GeodeticPoint `json:"sub_point"`
	Look       *transform.LookAngles   `json:"look,omitempty"`
}

// Config holds snapshot configuration loaded from environment variables.
type Config struct {
	Workers   int               // Worker pool size (default: runtime.NumCPU())
	MaxPoints int               // Largest series a single request may ask for (default: 721)
	Fit       navdata.FitPolicy // Fit interval handling for ComputeState
}
