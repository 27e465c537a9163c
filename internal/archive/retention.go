package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const archivePrefix = "lunatb-archive-"

// Info holds archive file metadata for retention decisions.
type Info struct {
	Path         string
	Size         int64
	CreatedAt    time.Time
	ExperimentID string
	ResultCount  int
}

// RetentionPolicy decides which archives to keep.
type RetentionPolicy interface {
	Apply(archives []Info) (keep []Info)
}

// CountPolicy keeps the N most recent archives.
type CountPolicy struct {
	MaxCount int
}

// Apply keeps the first MaxCount archives (assumed sorted newest-first).
func (p *CountPolicy) Apply(archives []Info) []Info {
	if len(archives) <= p.MaxCount {
		return archives
	}
	return archives[:p.MaxCount]
}

// AgePolicy keeps archives newer than MaxAge.
type AgePolicy struct {
	MaxAge time.Duration
}

// Apply keeps archives whose CreatedAt is within MaxAge of now.
func (p *AgePolicy) Apply(archives []Info) []Info {
	cutoff := time.Now().Add(-p.MaxAge)
	var keep []Info
	for _, a := range archives {
		if a.CreatedAt.After(cutoff) {
			keep = append(keep, a)
		}
	}
	return keep
}

// SizePolicy keeps archives until total size exceeds MaxTotalBytes.
type SizePolicy struct {
	MaxTotalBytes int64
}

// Apply keeps archives (newest-first) until adding the next would exceed the limit.
func (p *SizePolicy) Apply(archives []Info) []Info {
	var keep []Info
	var total int64
	for _, a := range archives {
		if total+a.Size > p.MaxTotalBytes && len(keep) > 0 {
			break
		}
		keep = append(keep, a)
		total += a.Size
	}
	return keep
}

// CompositePolicy keeps an archive if ANY sub-policy wants it (union).
type CompositePolicy struct {
	Policies []RetentionPolicy
}

// Apply returns the union of archives kept by any sub-policy.
func (p *CompositePolicy) Apply(archives []Info) []Info {
	kept := make(map[string]bool)
	for _, policy := range p.Policies {
		for _, a := range policy.Apply(archives) {
			kept[a.Path] = true
		}
	}

	var result []Info
	for _, a := range archives {
		if kept[a.Path] {
			result = append(result, a)
		}
	}
	return result
}

// List scans dir for lunatb-archive-* files and returns them sorted
// newest-first. The timestamp leads the filename, so a lexical sort on
// the basename is a time sort.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading archive directory: %w", err)
	}

	var archives []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), archivePrefix) {
			continue
		}

		fi, err := e.Info()
		if err != nil {
			continue
		}

		info := Info{
			Path:      filepath.Join(dir, e.Name()),
			Size:      fi.Size(),
			CreatedAt: fi.ModTime(),
		}

		// Prefer the header's own metadata over filesystem times.
		if header, err := ReadHeader(info.Path); err == nil {
			info.CreatedAt = header.CreatedAt
			info.ExperimentID = header.ExperimentID
			info.ResultCount = header.ResultCount
		}

		archives = append(archives, info)
	}

	sort.Slice(archives, func(i, j int) bool {
		return filepath.Base(archives[i].Path) > filepath.Base(archives[j].Path)
	})

	return archives, nil
}

// ApplyRetention deletes archives not kept by the policy.
func ApplyRetention(dir string, policy RetentionPolicy) (deleted []string, err error) {
	archives, err := List(dir)
	if err != nil {
		return nil, err
	}

	keep := policy.Apply(archives)
	keepSet := make(map[string]bool, len(keep))
	for _, a := range keep {
		keepSet[a.Path] = true
	}

	for _, a := range archives {
		if !keepSet[a.Path] {
			if err := os.Remove(a.Path); err != nil {
				return deleted, fmt.Errorf("removing %s: %w", filepath.Base(a.Path), err)
			}
			deleted = append(deleted, a.Path)
		}
	}

	return deleted, nil
}

// ParseDuration parses duration strings like "30d", "2w", "720h".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	// Custom suffixes: d (days), w (weeks).
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration suffix %q in %q", string(suffix), s)
	}
}

// ParseSize parses size strings like "100MB", "1GB", "500KB" into bytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.TrimSpace(s)

	// Longer suffixes first so "MB" does not match "B".
	type sizeSuffix struct {
		suffix     string
		multiplier int64
	}
	suffixes := []sizeSuffix{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, ss := range suffixes {
		if strings.HasSuffix(s, ss.suffix) {
			num, err := strconv.ParseInt(strings.TrimSuffix(s, ss.suffix), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size: %q", s)
			}
			return num * ss.multiplier, nil
		}
	}

	return 0, fmt.Errorf("invalid size: %q (expected suffix: B, KB, MB, GB)", s)
}
