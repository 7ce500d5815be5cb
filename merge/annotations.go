package merge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/rec-tender/telemetry"
)

// AnnotationStats summarizes an annotation merge.
type AnnotationStats struct {
	// Entries is the number of timed entries written.
	Entries int
	// Segments is the number of tracks read successfully.
	Segments int
	// FailedSegments counts tracks that could not be read; their entries are
	// missing from the output.
	FailedSegments int
	// Dropped counts timed entries skipped because their timestamp did not parse.
	Dropped int
}

// element is a child of the danmaku root, kept verbatim except for its time attribute.
type element struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

type document struct {
	XMLName  xml.Name
	Elements []element `xml:",any"`
	// Prolog holds processing instructions ahead of the root, such as the
	// recorder's xml-stylesheet link. The xml declaration itself is not kept.
	Prolog []xml.ProcInst `xml:"-"`
}

// timeAttr locates the timestamp of a danmaku entry: the first field of d@p,
// or the ts attribute of gift/sc/guard and similar records.
func (e *element) timeAttr() (idx int, seconds float64, timed bool, err error) {
	for i, a := range e.Attrs {
		switch {
		case e.XMLName.Local == "d" && a.Name.Local == "p":
			field := a.Value
			if j := strings.IndexByte(field, ','); j >= 0 {
				field = field[:j]
			}
			v, perr := strconv.ParseFloat(strings.TrimSpace(field), 64)
			return i, v, true, perr
		case e.XMLName.Local != "d" && a.Name.Local == "ts":
			v, perr := strconv.ParseFloat(strings.TrimSpace(a.Value), 64)
			return i, v, true, perr
		}
	}
	return -1, 0, false, nil
}

// shift rewrites the time attribute at idx to seconds+offset.
func (e *element) shift(idx int, seconds float64, offset time.Duration) {
	v := strconv.FormatFloat(seconds+offset.Seconds(), 'f', 3, 64)
	a := &e.Attrs[idx]
	if e.XMLName.Local == "d" {
		if j := strings.IndexByte(a.Value, ','); j >= 0 {
			a.Value = v + a.Value[j:]
			return
		}
	}
	a.Value = v
}

type timedEntry struct {
	at float64
	el element
}

// MergeAnnotations reads each segment's annotation track, shifts every timed
// entry by the segment's timeline offset and writes one sorted document to
// outputPath. Tracks that fail to parse (or exceed ParseTimeout) are logged and
// skipped; the merge fails only if no track can be read at all.
func (m *Merger) MergeAnnotations(ctx context.Context, tl Timeline, outputPath string) (AnnotationStats, error) {
	var stats AnnotationStats
	if len(tl.Parts) == 0 {
		return stats, ErrNoSegments
	}
	var (
		root    xml.Name
		header  []element
		prolog  []xml.ProcInst
		entries []timedEntry
		haveHdr bool
	)
	for i, p := range tl.Parts {
		path := p.Segment.AnnotationPath
		if path == "" {
			stats.FailedSegments++
			m.logger.Warn("segment has no annotation track", slog.String("media", p.Segment.MediaPath))
			continue
		}
		doc, err := m.parseTrack(ctx, path)
		if err != nil {
			stats.FailedSegments++
			telemetry.IncAnnotationFailure()
			m.logger.Warn("annotation track skipped", slog.String("path", path), slog.Int("segment", i), slog.Any("err", err))
			continue
		}
		stats.Segments++
		if root.Local == "" {
			root = doc.XMLName
		}
		if prolog == nil && len(doc.Prolog) > 0 {
			prolog = doc.Prolog
		}
		n := 0
		for _, el := range doc.Elements {
			idx, secs, timed, terr := el.timeAttr()
			if !timed {
				if !haveHdr {
					header = append(header, el)
				}
				continue
			}
			if terr != nil {
				stats.Dropped++
				continue
			}
			el.Attrs = append([]xml.Attr(nil), el.Attrs...)
			el.shift(idx, secs, p.Offset)
			entries = append(entries, timedEntry{at: secs + p.Offset.Seconds(), el: el})
			n++
		}
		haveHdr = true
		m.logger.Debug("annotation track read", slog.String("path", path), slog.Int("entries", n), slog.Duration("offset", p.Offset))
	}
	if stats.Segments == 0 {
		return stats, ErrNoAnnotations
	}
	if stats.Dropped > 0 {
		m.logger.Warn("annotation entries dropped", slog.Int("dropped", stats.Dropped))
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	stats.Entries = len(entries)

	if root.Local == "" {
		root = xml.Name{Local: "i"}
	}
	root.Space = ""
	if err := writeTrack(outputPath, root, prolog, header, entries); err != nil {
		return stats, fmt.Errorf("write %s: %w", outputPath, err)
	}
	return stats, nil
}

func (m *Merger) parseTrack(ctx context.Context, path string) (*document, error) {
	var doc document
	err := bounded(ctx, m.opts.ParseTimeout, "parse "+path, func(ctx context.Context) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data = repairTruncated(data)
		if err := xml.Unmarshal(data, &doc); err != nil {
			return err
		}
		doc.Prolog = readProlog(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// readProlog returns the processing instructions before the root element.
func readProlog(data []byte) []xml.ProcInst {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var out []xml.ProcInst
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case xml.ProcInst:
			if t.Target != "xml" {
				out = append(out, t.Copy())
			}
		case xml.StartElement:
			return out
		}
	}
}

// repairTruncated closes a track whose root end tag is missing, which happens
// when the recorder is killed mid-write.
func repairTruncated(data []byte) []byte {
	trimmed := bytes.TrimRight(data, " \t\r\n")
	if bytes.HasSuffix(trimmed, []byte("</i>")) || len(trimmed) == 0 {
		return data
	}
	dec := xml.NewDecoder(bytes.NewReader(trimmed))
	var rootName string
	for {
		tok, err := dec.Token()
		if err != nil {
			return data
		}
		if se, ok := tok.(xml.StartElement); ok {
			rootName = se.Name.Local
			break
		}
	}
	if bytes.HasSuffix(trimmed, []byte("</"+rootName+">")) {
		return data
	}
	// drop a partially written last line
	if !bytes.HasSuffix(trimmed, []byte(">")) {
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			trimmed = trimmed[:i]
		}
	}
	out := make([]byte, 0, len(trimmed)+len(rootName)+4)
	out = append(out, trimmed...)
	return append(out, []byte("</"+rootName+">")...)
}

func writeTrack(path string, root xml.Name, prolog []xml.ProcInst, header []element, entries []timedEntry) error {
	partial := path + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return err
	}
	err = func() error {
		w := bufio.NewWriter(f)
		if _, err := w.WriteString(xml.Header); err != nil {
			return err
		}
		for _, pi := range prolog {
			if _, err := fmt.Fprintf(w, "<?%s %s?>\n", pi.Target, pi.Inst); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "<%s>\n", root.Local); err != nil {
			return err
		}
		enc := xml.NewEncoder(w)
		for _, el := range header {
			if err := enc.Encode(el); err != nil {
				return err
			}
			w.WriteByte('\n')
		}
		for _, e := range entries {
			if err := enc.Encode(e.el); err != nil {
				return err
			}
			w.WriteByte('\n')
		}
		if _, err := fmt.Fprintf(w, "</%s>\n", root.Local); err != nil {
			return err
		}
		return w.Flush()
	}()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("rename merged track: %w", err)
	}
	return nil
}
