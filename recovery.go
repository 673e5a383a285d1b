// Copyright © 2024 Genome Research Limited
//
//  This file is part of afsfys.
//
//  afsfys is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  afsfys is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with afsfys. If not, see <http://www.gnu.org/licenses/>.

package afsfys

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

var (
	// <cached>.temp.<xid>[.recover]; xids are base32hex
	artifactRegexp = regexp.MustCompile(`^(.+)\.temp\.([0-9a-v]+)(\.recover)?$`)

	// <cached>.download.<xid>
	partialRegexp = regexp.MustCompile(`^.+\.download\.[0-9a-v]+$`)
)

// RecoverySummary describes what a scan of the cache found and did.
type RecoverySummary struct {
	// Recovered is the number of recovery markers put back in place as the
	// cached copy.
	Recovered int

	// Uploaded is how many of those were then successfully sent to the
	// server.
	Uploaded int

	// Discarded is the number of temp files and partial downloads deleted.
	Discarded int

	// Inconsistent is the number of files that looked like our artifacts but
	// couldn't be understood; they are left alone.
	Inconsistent int
}

// recoverCache scans the whole cache for what was left behind by sessions
// that never finished releasing. Recovery markers hold content that must
// reach the server, so they are renamed back over their cached copy and
// uploaded; where a file has several, only the newest is. Temp files without
// a marker never got as far as that and are deleted. It must run before
// anything else uses the cache.
func (c *cache) recoverCache(m *sessions) RecoverySummary {
	var summary RecoverySummary
	var markers, temps []string

	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			c.Warn("Could not scan cache", "path", path, "err", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		switch {
		case strings.HasPrefix(name, lockPrefix):
		case partialRegexp.MatchString(name):
			if err := os.Remove(path); err != nil {
				c.Warn("Could not remove partial download", "path", path, "err", err)
				return nil
			}
			summary.Discarded++
			c.metrics.recovered.WithLabelValues("discarded").Inc()
		case artifactRegexp.MatchString(name):
			if strings.HasSuffix(name, recoverSuffix) {
				markers = append(markers, path)
			} else {
				temps = append(temps, path)
			}
		case strings.Contains(name, tempInfix):
			c.Warn("Found unrecognised temp file in cache", "path", path)
			summary.Inconsistent++
			c.metrics.recovered.WithLabelValues("inconsistent").Inc()
		}
		return nil
	})
	if err != nil {
		c.Error("Cache scan failed", "err", err)
	}

	for _, marker := range c.newestMarkers(markers, &summary) {
		parts := artifactRegexp.FindStringSubmatch(filepath.Base(marker))
		canonical := filepath.Join(filepath.Dir(marker), parts[1])
		remotePath, err := c.remotePathOf(canonical)
		if err != nil {
			c.Error("Could not work out remote path", "path", canonical, "err", err)
			summary.Inconsistent++
			continue
		}

		if err = os.Rename(marker, canonical); err != nil {
			c.Error("Could not restore recovery marker", "path", marker, "err", err)
			summary.Inconsistent++
			c.metrics.recovered.WithLabelValues("inconsistent").Inc()
			continue
		}
		summary.Recovered++
		c.metrics.recovered.WithLabelValues("recovered").Inc()
		c.Info("Recovered unsent changes", "path", remotePath)

		if status := m.uploadCached(remotePath, uploadRecovery); status != fuse.OK {
			c.Error("Could not upload recovered file", "path", remotePath, "status", status)
			continue
		}
		summary.Uploaded++
	}

	for _, temp := range temps {
		if _, err := os.Lstat(temp + recoverSuffix); err == nil {
			// a marker we couldn't restore above; keep the pair
			continue
		}
		if err := os.Remove(temp); err != nil {
			c.Warn("Could not remove temp file", "path", temp, "err", err)
			continue
		}
		summary.Discarded++
		c.metrics.recovered.WithLabelValues("discarded").Inc()
	}

	return summary
}

// newestMarkers returns, for each cached file that has any, the most recently
// modified of markers. Older markers of the same file hold content that a
// later write replaced, so they are deleted and counted as discarded.
func (c *cache) newestMarkers(markers []string, summary *RecoverySummary) []string {
	type candidate struct {
		path  string
		mtime time.Time
	}
	newest := make(map[string]candidate)
	var order []string

	discard := func(path string) {
		if err := os.Remove(path); err != nil {
			c.Warn("Could not remove superseded recovery marker", "path", path, "err", err)
			return
		}
		summary.Discarded++
		c.metrics.recovered.WithLabelValues("discarded").Inc()
	}

	for _, marker := range markers {
		info, err := os.Lstat(marker)
		if err != nil {
			c.Warn("Could not stat recovery marker", "path", marker, "err", err)
			continue
		}
		parts := artifactRegexp.FindStringSubmatch(filepath.Base(marker))
		canonical := filepath.Join(filepath.Dir(marker), parts[1])

		current, seen := newest[canonical]
		switch {
		case !seen:
			order = append(order, canonical)
			newest[canonical] = candidate{marker, info.ModTime()}
		case info.ModTime().After(current.mtime):
			discard(current.path)
			newest[canonical] = candidate{marker, info.ModTime()}
		default:
			discard(marker)
		}
	}

	keep := make([]string, 0, len(order))
	for _, canonical := range order {
		keep = append(keep, newest[canonical].path)
	}
	return keep
}
