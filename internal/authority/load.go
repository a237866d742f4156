package authority

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaydns/core/internal/dnsmsg"
	"github.com/relaydns/core/internal/zonefile"
)

// LoadReport summarises one directory load: which zones loaded, the
// warnings each produced, and the files that failed outright.
type LoadReport struct {
	Loaded   []string
	Warnings map[string][]zonefile.Warning
	Failed   map[string]error
}

// LoadDirectory reads every "*.zone" file in dir into the store. A file
// whose origin is derivable from its own $ORIGIN directive or its
// basename (origin.zone) is accepted even if the two disagree, preferring
// the in-file directive; a file that fails to parse is recorded in
// Failed and does not prevent its siblings from loading (fail-soft).
func LoadDirectory(store *Store, dir string, logger *slog.Logger) (*LoadReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("authority: read zones dir %q: %w", dir, err)
	}

	report := &LoadReport{
		Warnings: make(map[string][]zonefile.Warning),
		Failed:   make(map[string]error),
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".zone") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		guessOrigin := strings.TrimSuffix(ent.Name(), ".zone")

		f, err := os.Open(path)
		if err != nil {
			report.Failed[ent.Name()] = err
			logger.Error("authority: cannot open zone file", "file", path, "error", err)
			continue
		}

		zf, warnings, err := zonefile.Parse(f, guessOrigin)
		closeErr := f.Close()
		if err != nil {
			report.Failed[ent.Name()] = err
			logger.Error("authority: zone file rejected", "file", path, "error", err)
			continue
		}
		if closeErr != nil {
			logger.Warn("authority: error closing zone file", "file", path, "error", closeErr)
		}

		zone, err := buildZone(zf)
		if err != nil {
			report.Failed[ent.Name()] = err
			logger.Error("authority: zone file missing required records", "file", path, "error", err)
			continue
		}

		store.Put(zone)
		report.Loaded = append(report.Loaded, zone.Origin)
		if len(warnings) > 0 {
			report.Warnings[zone.Origin] = warnings
			for _, w := range warnings {
				logger.Warn("authority: zone warning", "zone", zone.Origin, "warning", w.Message)
			}
		}
		logger.Info("authority: zone loaded", "zone", zone.Origin, "records", len(zone.records))
	}

	return report, nil
}

// buildZone turns a parsed zone file into a queryable Zone, requiring
// exactly one SOA at the apex (invariant 1).
func buildZone(zf *zonefile.Zone) (*Zone, error) {
	var soa *dnsmsg.Record
	var rest []dnsmsg.Record
	for i := range zf.Records {
		r := zf.Records[i]
		if r.Type == dnsmsg.TypeSOA && strings.EqualFold(r.Domain, zf.Origin) {
			if soa != nil {
				return nil, fmt.Errorf("authority: zone %q has more than one SOA at its apex", zf.Origin)
			}
			cp := r
			soa = &cp
			continue
		}
		rest = append(rest, r)
	}
	if soa == nil {
		return nil, fmt.Errorf("authority: zone %q has no SOA at its apex", zf.Origin)
	}

	z := NewZone(zf.Origin, *soa)
	z.records = rest
	return z, nil
}
