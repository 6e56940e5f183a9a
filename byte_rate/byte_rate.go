/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package byte_rate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
)

// ByteRate is a transfer rate in bytes per second.  Zero means unlimited.
type ByteRate float64

// Binary prefixes
const (
	_ = 1.0 << (10 * iota)
	KiB
	MiB
	GiB
	TiB
	PiB
)

var sizeRe = regexp.MustCompile(`^([\d\.]+)\s*([a-zA-Z]+)$`)

func (r *ByteRate) UnmarshalText(text []byte) error {
	rate, err := ParseRate(string(text))
	if err != nil {
		return err
	}
	*r = rate
	return nil
}

func (r ByteRate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// BytesPerSecond returns the rate rounded down to whole bytes, the unit
// stored in the host status area.
func (r ByteRate) BytesPerSecond() int64 {
	if r <= 0 {
		return 0
	}
	return int64(r)
}

func (r ByteRate) String() string {
	if r <= 0 {
		return "unlimited"
	}
	return FormatSize(float64(r)) + "/s"
}

// FormatSize renders a byte count the way transfer summaries print it:
// plain bytes below 1 KiB, otherwise two decimals with an IEC unit.
func FormatSize(val float64) string {
	switch {
	case val >= PiB:
		return fmt.Sprintf("%.2f PiB", val/PiB)
	case val >= TiB:
		return fmt.Sprintf("%.2f TiB", val/TiB)
	case val >= GiB:
		return fmt.Sprintf("%.2f GiB", val/GiB)
	case val >= MiB:
		return fmt.Sprintf("%.2f MiB", val/MiB)
	case val >= KiB:
		return fmt.Sprintf("%.2f KiB", val/KiB)
	default:
		return fmt.Sprintf("%d bytes", int64(val))
	}
}

// ParseRate parses values such as "5MB/s", "100Mbps", "1GiB/m" or a bare
// number of bytes per second.  Prefixes are binary.
func ParseRate(s string) (ByteRate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty rate string")
	}

	sizeStr := s
	per := time.Second
	if strings.HasSuffix(strings.ToLower(s), "ps") {
		sizeStr = s[:len(s)-2]
	} else if idx := strings.Index(s, "/"); idx != -1 {
		sizeStr = s[:idx]
		var err error
		if per, err = parsePer(s[idx+1:]); err != nil {
			return 0, err
		}
	}

	value, isBits, multiplier, err := parseSize(sizeStr)
	if err != nil {
		return 0, err
	}
	total := value * multiplier
	if isBits {
		total /= 8.0
	}
	return ByteRate(total / per.Seconds()), nil
}

func parsePer(durStr string) (time.Duration, error) {
	switch durStr {
	case "s", "sec":
		return time.Second, nil
	case "m", "min":
		return time.Minute, nil
	case "h", "hr":
		return time.Hour, nil
	}
	if val, err := time.ParseDuration(durStr); err == nil && val > 0 {
		return val, nil
	}
	if val, err := time.ParseDuration("1" + durStr); err == nil && val > 0 {
		return val, nil
	}
	return 0, errors.Errorf("invalid time duration: %s", durStr)
}

func parseSize(sizeStr string) (value float64, isBits bool, multiplier float64, err error) {
	matches := sizeRe.FindStringSubmatch(sizeStr)
	if matches == nil {
		value, err = strconv.ParseFloat(sizeStr, 64)
		if err != nil {
			return 0, false, 0, errors.Errorf("invalid size format: %s", sizeStr)
		}
		return value, false, 1.0, nil
	}
	if value, err = strconv.ParseFloat(matches[1], 64); err != nil {
		return 0, false, 0, errors.Errorf("invalid number: %s", matches[1])
	}

	unit := matches[2]
	lower := strings.ToLower(unit)
	if strings.HasSuffix(lower, "bit") || unit[len(unit)-1] == 'b' {
		isBits = true
	}
	switch lower[0] {
	case 'k':
		multiplier = KiB
	case 'm':
		multiplier = MiB
	case 'g':
		multiplier = GiB
	case 't':
		multiplier = TiB
	case 'p':
		multiplier = PiB
	case 'b':
		multiplier = 1.0
	default:
		return 0, false, 0, errors.Errorf("unknown unit %q", unit)
	}
	return value, isBits, multiplier, nil
}
