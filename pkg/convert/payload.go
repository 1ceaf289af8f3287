package convert

import (
	"encoding/json"
	"time"

	"github.com/dsa110/contimg/pkg/ingest"
)

// GroupPayload is the durable, job-queue-safe encoding of a subband group:
// enough to reconstruct the *ingest.Group a conversion job needs without
// keeping the original in-memory Group alive across a daemon restart.
type GroupPayload struct {
	Timestamp time.Time            `json:"timestamp"`
	Files     []SubbandFilePayload `json:"files"`
}

// SubbandFilePayload is the durable encoding of one ingest.SubbandFile.
type SubbandFilePayload struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Subband   int       `json:"subband"`
	Ext       string    `json:"ext"`
	Size      int64     `json:"size"`
	Mtime     time.Time `json:"mtime"`
}

// EncodeGroup serializes a completed subband group into the payload a
// convert job carries in the work queue.
func EncodeGroup(g *ingest.Group) (json.RawMessage, error) {
	p := GroupPayload{Timestamp: g.Timestamp}
	for _, f := range g.Sorted() {
		p.Files = append(p.Files, SubbandFilePayload{
			Path:      f.Path,
			Name:      f.Name,
			Timestamp: f.Timestamp,
			Subband:   f.Subband,
			Ext:       f.Ext,
			Size:      f.Size,
			Mtime:     f.Mtime,
		})
	}
	return json.Marshal(p)
}

// DecodeGroup reconstructs an *ingest.Group from a convert job's payload.
func DecodeGroup(payload json.RawMessage) (*ingest.Group, error) {
	var p GroupPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	g := &ingest.Group{
		Timestamp: p.Timestamp,
		Files:     make(map[int]ingest.SubbandFile, len(p.Files)),
	}
	for _, f := range p.Files {
		g.Files[f.Subband] = ingest.SubbandFile{
			Path:      f.Path,
			Name:      f.Name,
			Timestamp: f.Timestamp,
			Subband:   f.Subband,
			Ext:       f.Ext,
			Size:      f.Size,
			Mtime:     f.Mtime,
		}
	}
	return g, nil
}
