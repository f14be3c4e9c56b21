// Package gnss holds the identities shared by the navigation pipeline:
// satellite systems, satellites, navigation message standards, carrier bands,
// tracking codes and time systems.
package gnss

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// System is a satellite system.
type System int

// Supported satellite systems.
const (
	SysUnknown System = iota
	SysGPS
	SysGLO
	SysGAL
	SysQZSS
	SysBDS
)

var sysNames = [...]string{"", "GPS", "GLO", "GAL", "QZSS", "BDS"}
var sysAbbr = [...]string{"?", "G", "R", "E", "J", "C"}

func (sys System) String() string {
	if sys < 0 || int(sys) >= len(sysNames) {
		return "System(" + strconv.Itoa(int(sys)) + ")"
	}
	return sysNames[sys]
}

// Abbr returns the one-letter RINEX abbreviation.
func (sys System) Abbr() string {
	if sys < 0 || int(sys) >= len(sysAbbr) {
		return "?"
	}
	return sysAbbr[sys]
}

// MarshalJSON encodes the system by its abbreviation.
func (sys System) MarshalJSON() ([]byte, error) {
	return json.Marshal(sys.Abbr())
}

// ParseSystem accepts either the abbreviation ("G") or the name ("GPS").
func ParseSystem(s string) (System, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i := 1; i < len(sysNames); i++ {
		if s == sysNames[i] || s == sysAbbr[i] {
			return System(i), nil
		}
	}
	switch s {
	case "GALILEO":
		return SysGAL, nil
	case "BEIDOU":
		return SysBDS, nil
	case "GLONASS":
		return SysGLO, nil
	}
	return SysUnknown, fmt.Errorf("invalid satellite system: %q", s)
}

// SatID specifies one satellite.
type SatID struct {
	Sys System
	PRN int
}

// ParseSatID parses identifiers like "G05" or "C14".
func ParseSatID(s string) (SatID, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return SatID{}, fmt.Errorf("invalid satellite id: %q", s)
	}
	sys, err := ParseSystem(s[:1])
	if err != nil {
		return SatID{}, fmt.Errorf("invalid satellite id: %q: %w", s, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[1:]))
	if err != nil {
		return SatID{}, fmt.Errorf("parse satellite number: %q: %w", s, err)
	}
	if n < 1 {
		return SatID{}, fmt.Errorf("check satellite number %q", s)
	}
	return SatID{Sys: sys, PRN: n}, nil
}

func (id SatID) String() string {
	return fmt.Sprintf("%s%02d", id.Sys.Abbr(), id.PRN)
}

// IsZero reports whether the id is unset.
func (id SatID) IsZero() bool {
	return id.Sys == SysUnknown && id.PRN == 0
}

// MarshalJSON encodes the satellite as its string form.
func (id SatID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// Less orders satellites by system, then PRN.
func (id SatID) Less(other SatID) bool {
	if id.Sys != other.Sys {
		return id.Sys < other.Sys
	}
	return id.PRN < other.PRN
}

// IsBeiDouGEO reports whether the satellite is a BeiDou GEO (PRN 1-5 and
// 59-63), which broadcast D2 and use the rotated orbit model.
func (id SatID) IsBeiDouGEO() bool {
	if id.Sys != SysBDS {
		return false
	}
	return (id.PRN >= 1 && id.PRN <= 5) || (id.PRN >= 59 && id.PRN <= 63)
}
