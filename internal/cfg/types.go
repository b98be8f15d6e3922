package cfg

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ByteSize is an int64 byte count that also accepts human-readable
// suffixes in config files and flags: "500MiB", "2gb", "1048576".
type ByteSize int64

// Longer suffixes first so "kib" is not consumed as "b".
var byteSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"tib", 1 << 40}, {"gib", 1 << 30}, {"mib", 1 << 20}, {"kib", 1 << 10},
	{"tb", 1_000_000_000_000}, {"gb", 1_000_000_000}, {"mb", 1_000_000}, {"kb", 1_000},
	{"b", 1},
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	mult := int64(1)
	for _, e := range byteSuffixes {
		if strings.HasSuffix(s, e.suffix) {
			mult = e.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, e.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("cfg: invalid byte size %q", text)
	}
	*b = ByteSize(n * mult)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(b), 10)), nil
}

// TierPolicy is the persistence policy string accepted in a tier's config
// block.
type TierPolicy string

const (
	PolicyPersistent TierPolicy = "persistent"
	PolicyVolatile   TierPolicy = "volatile"
)

func (p *TierPolicy) UnmarshalText(text []byte) error {
	v := TierPolicy(strings.ToLower(string(text)))
	if !slices.Contains([]TierPolicy{PolicyPersistent, PolicyVolatile}, v) {
		return fmt.Errorf("cfg: invalid tier policy %q", text)
	}
	*p = v
	return nil
}

func (p TierPolicy) MarshalText() ([]byte, error) { return []byte(p), nil }

// TierRole is one placement role a configured tier may carry.
type TierRole string

const (
	RoleDefaultTarget   TierRole = "default-target"
	RoleEphemeralTarget TierRole = "ephemeral-target"
	RolePromotionCache  TierRole = "promotion-cache"
)

func (r *TierRole) UnmarshalText(text []byte) error {
	v := TierRole(strings.ToLower(string(text)))
	valid := []TierRole{RoleDefaultTarget, RoleEphemeralTarget, RolePromotionCache}
	if !slices.Contains(valid, v) {
		return fmt.Errorf("cfg: invalid tier role %q", text)
	}
	*r = v
	return nil
}

func (r TierRole) MarshalText() ([]byte, error) { return []byte(r), nil }

// LogLevel is a validated, case-insensitive severity enum string.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARNING"
	LogError LogLevel = "ERROR"
	LogOff   LogLevel = "OFF"
)

func (l *LogLevel) UnmarshalText(text []byte) error {
	v := LogLevel(strings.ToUpper(string(text)))
	valid := []LogLevel{LogDebug, LogInfo, LogWarn, LogError, LogOff}
	if !slices.Contains(valid, v) {
		return fmt.Errorf("cfg: invalid log level %q", text)
	}
	*l = v
	return nil
}

func (l LogLevel) MarshalText() ([]byte, error) { return []byte(l), nil }
