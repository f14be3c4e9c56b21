package gnss

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NavType is a navigation message standard.
type NavType int

// Navigation message standards handled by the decoders.
const (
	NavUnknown NavType = iota
	NavGPSLNAV
	NavBeiDouD1
	NavBeiDouD2
	NavGalFNAV
)

var navNames = [...]string{"Unknown", "GPS_LNAV", "BDS_D1", "BDS_D2", "GAL_FNAV"}

func (n NavType) String() string {
	if n < 0 || int(n) >= len(navNames) {
		return navNames[0]
	}
	return navNames[n]
}

// MarshalJSON encodes the standard by name.
func (n NavType) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// ParseNavType is the inverse of NavType.String, case-insensitive.
func ParseNavType(s string) (NavType, error) {
	for i := 1; i < len(navNames); i++ {
		if strings.EqualFold(s, navNames[i]) {
			return NavType(i), nil
		}
	}
	return NavUnknown, fmt.Errorf("invalid navigation standard: %q", s)
}

// System returns the satellite system broadcasting the standard.
func (n NavType) System() System {
	switch n {
	case NavGPSLNAV:
		return SysGPS
	case NavBeiDouD1, NavBeiDouD2:
		return SysBDS
	case NavGalFNAV:
		return SysGAL
	}
	return SysUnknown
}

// FrameBits is the fixed length of one as-broadcast frame, zero if unknown.
// GPS LNAV and BeiDou D1/D2 subframes carry parity; the Galileo F/NAV page
// excludes the sync pattern.
func (n NavType) FrameBits() int {
	switch n {
	case NavGPSLNAV, NavBeiDouD1, NavBeiDouD2:
		return 300
	case NavGalFNAV:
		return 244
	}
	return 0
}

// Band is a carrier frequency band.
type Band int

// Carrier bands.
const (
	BandUnknown Band = iota
	BandL1
	BandL2
	BandL5
	BandB1
	BandB2
	BandB3
	BandE1
	BandE5a
	BandE5b
)

var bandNames = [...]string{"Unknown", "L1", "L2", "L5", "B1", "B2", "B3", "E1", "E5a", "E5b"}

func (b Band) String() string {
	if b < 0 || int(b) >= len(bandNames) {
		return bandNames[0]
	}
	return bandNames[b]
}

// ParseBand parses a band name, case-insensitive.
func ParseBand(s string) (Band, error) {
	for i := 1; i < len(bandNames); i++ {
		if strings.EqualFold(s, bandNames[i]) {
			return Band(i), nil
		}
	}
	return BandUnknown, fmt.Errorf("invalid carrier band: %q", s)
}

// Code is a tracking code.
type Code int

// Tracking codes.
const (
	CodeUnknown Code = iota
	CodeCA
	CodeL2CM
	CodeB1I
	CodeB2I
	CodeB3I
	CodeE5aI
)

var codeNames = [...]string{"Unknown", "CA", "L2CM", "B1I", "B2I", "B3I", "E5aI"}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return codeNames[0]
	}
	return codeNames[c]
}

// ParseCode parses a tracking code name, case-insensitive.
func ParseCode(s string) (Code, error) {
	for i := 1; i < len(codeNames); i++ {
		if strings.EqualFold(s, codeNames[i]) {
			return Code(i), nil
		}
	}
	return CodeUnknown, fmt.Errorf("invalid tracking code: %q", s)
}

// NavSignal identifies where a navigation message was demodulated from. It is
// the registry key of the decoder dispatcher.
type NavSignal struct {
	Nav  NavType
	Band Band
	Code Code
}

func (s NavSignal) String() string {
	return s.Nav.String() + ":" + s.Band.String() + ":" + s.Code.String()
}

// MarshalJSON encodes the signal in its string form.
func (s NavSignal) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Common signals.
var (
	SigGPSL1CA  = NavSignal{Nav: NavGPSLNAV, Band: BandL1, Code: CodeCA}
	SigGPSL2CM  = NavSignal{Nav: NavGPSLNAV, Band: BandL2, Code: CodeL2CM}
	SigBDSD1B1I = NavSignal{Nav: NavBeiDouD1, Band: BandB1, Code: CodeB1I}
	SigBDSD1B2I = NavSignal{Nav: NavBeiDouD1, Band: BandB2, Code: CodeB2I}
	SigBDSD1B3I = NavSignal{Nav: NavBeiDouD1, Band: BandB3, Code: CodeB3I}
	SigBDSD2B1I = NavSignal{Nav: NavBeiDouD2, Band: BandB1, Code: CodeB1I}
	SigBDSD2B2I = NavSignal{Nav: NavBeiDouD2, Band: BandB2, Code: CodeB2I}
	SigBDSD2B3I = NavSignal{Nav: NavBeiDouD2, Band: BandB3, Code: CodeB3I}
	SigGalE5aI  = NavSignal{Nav: NavGalFNAV, Band: BandE5a, Code: CodeE5aI}
)

// TimeSystem is a GNSS or civil time scale.
type TimeSystem int

// Time systems appearing in broadcast time offsets.
const (
	TimeUnknown TimeSystem = iota
	TimeGPS
	TimeGAL
	TimeBDT
	TimeGLO
	TimeUTC
)

var timeNames = [...]string{"Unknown", "GPS", "GAL", "BDT", "GLO", "UTC"}

func (ts TimeSystem) String() string {
	if ts < 0 || int(ts) >= len(timeNames) {
		return timeNames[0]
	}
	return timeNames[ts]
}

// MarshalJSON encodes the time system by name.
func (ts TimeSystem) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

// ParseTimeSystem parses a time system name, case-insensitive. "GST" and
// "BDS" are accepted as aliases.
func ParseTimeSystem(s string) (TimeSystem, error) {
	switch strings.ToUpper(s) {
	case "GST":
		return TimeGAL, nil
	case "BDS":
		return TimeBDT, nil
	}
	for i := 1; i < len(timeNames); i++ {
		if strings.EqualFold(s, timeNames[i]) {
			return TimeSystem(i), nil
		}
	}
	return TimeUnknown, fmt.Errorf("invalid time system: %q", s)
}
