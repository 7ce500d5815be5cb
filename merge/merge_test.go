package merge

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/rec-tender/session"
)

// fakeRunner stands in for ffmpeg/ffprobe. Probes answer from durations;
// ffmpeg writes a text file listing its inputs so tests can inspect order.
type fakeRunner struct {
	mu         sync.Mutex
	durations  map[string]time.Duration
	failConcat bool
	hangProbe  bool
	calls      [][]string
	fillerSecs []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	switch name {
	case "ffprobe":
		if f.hangProbe {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		path := args[len(args)-1]
		if strings.Contains(strings.Join(args, " "), "stream=") {
			return []byte(`{"streams":[{"codec_type":"video","width":1280,"height":720,"r_frame_rate":"60/1"},{"codec_type":"audio","sample_rate":"48000","channels":2}]}`), nil
		}
		d, ok := f.durations[filepath.Base(path)]
		if !ok {
			return []byte("No such file"), errors.New("exit status 1")
		}
		return []byte(fmt.Sprintf("%.3f\n", d.Seconds())), nil
	case "ffmpeg":
		out := args[len(args)-1]
		if hasArg(args, "concat") {
			if f.failConcat {
				_ = os.WriteFile(out, []byte("garbage"), 0o644)
				return []byte("Invalid data found"), errors.New("exit status 1")
			}
			list := argAfter(args, "-i")
			data, err := os.ReadFile(list)
			if err != nil {
				return nil, err
			}
			var b strings.Builder
			for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
				p := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
				if strings.Contains(p, "filler_") {
					content, _ := os.ReadFile(p)
					b.WriteString(string(content) + "\n")
					continue
				}
				b.WriteString(filepath.Base(p) + "\n")
			}
			return nil, os.WriteFile(out, []byte(b.String()), 0o644)
		}
		secs := argAfter(args, "-t")
		f.mu.Lock()
		f.fillerSecs = append(f.fillerSecs, secs)
		f.mu.Unlock()
		return nil, os.WriteFile(out, []byte("filler "+secs), 0o644)
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

func hasArg(args []string, v string) bool {
	for _, a := range args {
		if a == v {
			return true
		}
	}
	return false
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func at(h, m, s int) time.Time {
	return time.Date(2024, 5, 1, h, m, s, 0, time.UTC)
}

type fixture struct {
	dir    string
	segs   []session.Segment
	runner *fakeRunner
}

// newFixture writes three segments matching the 10:00 / 10:05:31 / 10:06:38 scenario.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	specs := []struct {
		name        string
		open, close time.Time
		dur         time.Duration
		xml         string
		size        int
	}{
		{"a", at(10, 0, 0), at(10, 5, 0), 300 * time.Second,
			`<d p="1.500,1,25,16777215,0,0,1,0" user="u1">hello</d><d p="299.000,1,25,16777215,0,0,2,0" user="u2">bye</d>`, 3000},
		{"b", at(10, 5, 31), at(10, 6, 37), 66 * time.Second,
			`<d p="0.250,1,25,16777215,0,0,3,0" user="u3">second</d><gift ts="10.000" giftname="x" user="u4"></gift><sc ts="20.5" price="30" user="u5">super &amp; chat</sc>`, 9000},
		{"c", at(10, 6, 38), at(10, 7, 15), 37 * time.Second,
			`<d p="5,1,25,16777215,0,0,6,0" user="u6">third</d>`, 100},
	}
	f := &fixture{dir: dir, runner: &fakeRunner{durations: map[string]time.Duration{}}}
	for _, s := range specs {
		media := filepath.Join(dir, "录制-1-"+s.name+".flv")
		ann := AnnotationPath(media)
		require.NoError(t, os.WriteFile(media, make([]byte, s.size), 0o644))
		doc := `<?xml version="1.0" encoding="utf-8"?>` + "\n" +
			`<?xml-stylesheet type="text/xsl" href="#s"?>` + "\n" +
			`<i><chatserver>chat.bilibili.com</chatserver><BililiveRecorderRecordInfo roomid="1" name="` + s.name + `"></BililiveRecorderRecordInfo>` +
			s.xml + `</i>`
		require.NoError(t, os.WriteFile(ann, []byte(doc), 0o644))
		f.runner.durations[filepath.Base(media)] = s.dur
		f.segs = append(f.segs, session.Segment{
			MediaPath:      media,
			AnnotationPath: ann,
			FileOpenTime:   s.open,
			FileCloseTime:  s.close,
		})
	}
	return f
}

func (f *fixture) merger(mod func(*Options)) *Merger {
	opts := DefaultOptions()
	if mod != nil {
		mod(&opts)
	}
	return New(f.runner, opts)
}

func TestPlanScenarioGaps(t *testing.T) {
	f := newFixture(t)
	tl := f.merger(nil).Plan(context.Background(), f.segs, true)

	require.Len(t, tl.Parts, 3)
	assert.Equal(t, time.Duration(0), tl.Parts[0].Filler)
	assert.Equal(t, 31*time.Second, tl.Parts[1].Filler)
	assert.Equal(t, time.Second, tl.Parts[2].Filler)
	assert.Equal(t, []time.Duration{0, 331 * time.Second, 398 * time.Second},
		[]time.Duration{tl.Parts[0].Offset, tl.Parts[1].Offset, tl.Parts[2].Offset})
	assert.Equal(t, (300+66+37+31+1)*time.Second, tl.Total)
	assert.Equal(t, 2, tl.Fillers())
}

func TestPlanFillsShortGaps(t *testing.T) {
	f := newFixture(t)
	segs := f.segs[:2]
	segs[1].FileOpenTime = segs[0].FileCloseTime.Add(50 * time.Millisecond)

	tl := f.merger(nil).Plan(context.Background(), segs, true)
	assert.Equal(t, 50*time.Millisecond, tl.Parts[1].Filler)
	assert.Equal(t, 300*time.Second+50*time.Millisecond, tl.Parts[1].Offset)

	tl = f.merger(func(o *Options) { o.MinGap = 100 * time.Millisecond }).Plan(context.Background(), segs, true)
	assert.Equal(t, time.Duration(0), tl.Parts[1].Filler)
	assert.Equal(t, 50*time.Millisecond, tl.Parts[1].GapBefore)
	assert.Equal(t, 300*time.Second, tl.Parts[1].Offset)
}

func TestPlanWithoutGapFill(t *testing.T) {
	f := newFixture(t)
	tl := f.merger(nil).Plan(context.Background(), f.segs, false)
	assert.Equal(t, 0, tl.Fillers())
	assert.Equal(t, 31*time.Second, tl.Parts[1].GapBefore)
	assert.Equal(t, 300*time.Second, tl.Parts[1].Offset)
	assert.Equal(t, 403*time.Second, tl.Total)
}

func TestPlanFallsBackToRecorderTimes(t *testing.T) {
	f := newFixture(t)
	delete(f.runner.durations, filepath.Base(f.segs[0].MediaPath))
	tl := f.merger(nil).Plan(context.Background(), f.segs, false)
	assert.False(t, tl.Parts[0].Probed)
	assert.Equal(t, 5*time.Minute, tl.Parts[0].Duration)
	assert.True(t, tl.Parts[1].Probed)
}

func TestProbeTimeout(t *testing.T) {
	f := newFixture(t)
	f.runner.hangProbe = true
	m := f.merger(func(o *Options) { o.ProbeTimeout = 20 * time.Millisecond })
	_, err := m.ProbeDuration(context.Background(), f.segs[0].MediaPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	start := time.Now()
	tl := m.Plan(context.Background(), f.segs, true)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, tl.Parts, 3)
}

func TestMergeProducesArtifacts(t *testing.T) {
	f := newFixture(t)
	res, err := f.merger(nil).Merge(context.Background(), f.segs)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.dir, "录制-1-a_merged.flv"), res.MediaPath)
	assert.Equal(t, filepath.Join(f.dir, "录制-1-a_merged.xml"), res.AnnotationPath)
	assert.Equal(t, 2, res.Fillers)
	assert.Equal(t, 435*time.Second, res.Duration)

	media, err := os.ReadFile(res.MediaPath)
	require.NoError(t, err)
	assert.Equal(t, "录制-1-a.flv\nfiller 31.000\n录制-1-b.flv\nfiller 1.000\n录制-1-c.flv\n", string(media))
	assert.Equal(t, []string{"31.000", "1.000"}, f.runner.fillerSecs)

	// filler matches the first segment's streams
	var fillerArgs []string
	for _, c := range f.runner.calls {
		if c[0] == "ffmpeg" && !hasArg(c, "concat") {
			fillerArgs = c
			break
		}
	}
	assert.Contains(t, strings.Join(fillerArgs, " "), "color=c=black:s=1280x720:r=60/1")
	assert.Contains(t, strings.Join(fillerArgs, " "), "anullsrc=r=48000:cl=stereo")

	// no work files left behind
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".merge-"), e.Name())
		assert.NotContains(t, e.Name(), ".partial")
	}
}

func TestMergeAnnotationsShiftsAndConserves(t *testing.T) {
	f := newFixture(t)
	res, err := f.merger(nil).Merge(context.Background(), f.segs)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Annotations.Entries)
	assert.Equal(t, 3, res.Annotations.Segments)
	assert.Equal(t, 0, res.Annotations.FailedSegments)

	out, err := os.ReadFile(res.AnnotationPath)
	require.NoError(t, err)
	doc := string(out)
	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Equal(t, 1, strings.Count(doc, `<?xml-stylesheet type="text/xsl" href="#s"?>`))
	assert.Less(t, strings.Index(doc, "<?xml-stylesheet"), strings.Index(doc, "<i>"))
	assert.Equal(t, 6, strings.Count(doc, " user=\"u"))
	// b starts at 331s, c at 398s
	assert.Contains(t, doc, `p="1.500,1,25,16777215,0,0,1,0"`)
	assert.Contains(t, doc, `p="331.250,1,25,16777215,0,0,3,0"`)
	assert.Contains(t, doc, `ts="341.000"`)
	assert.Contains(t, doc, `ts="351.500"`)
	assert.Contains(t, doc, `p="403.000,1,25,16777215,0,0,6,0"`)
	assert.Contains(t, doc, "super &amp; chat")
	// header carried once, from the first track
	assert.Equal(t, 1, strings.Count(doc, "<chatserver>"))
	assert.Contains(t, doc, `name="a"`)
	// sorted by shifted time: a's last entry (299s) precedes b's first (331.25s)
	assert.Less(t, strings.Index(doc, "bye"), strings.Index(doc, "second"))
	assert.Less(t, strings.Index(doc, "super"), strings.Index(doc, "third"))
}

func TestMergeIsOrderIndependent(t *testing.T) {
	f := newFixture(t)
	perms := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}, {2, 1, 0}}
	var wantMedia, wantAnn string
	for i, perm := range perms {
		segs := make([]session.Segment, 0, 3)
		for _, j := range perm {
			segs = append(segs, f.segs[j])
		}
		res, err := f.merger(nil).Merge(context.Background(), segs)
		require.NoError(t, err)
		media, _ := os.ReadFile(res.MediaPath)
		ann, _ := os.ReadFile(res.AnnotationPath)
		if i == 0 {
			wantMedia, wantAnn = string(media), string(ann)
			continue
		}
		assert.Equal(t, wantMedia, string(media), "perm %v", perm)
		assert.Equal(t, wantAnn, string(ann), "perm %v", perm)
	}
}

func TestMergeSkipsUnreadableTrack(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.segs[1].AnnotationPath, []byte("<i><d p=\"1\">unterminated</x>"), 0o644))
	res, err := f.merger(nil).Merge(context.Background(), f.segs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Annotations.FailedSegments)
	assert.Equal(t, 3, res.Annotations.Entries)
}

func TestMergeAnnotationsFailsWhenNothingReadable(t *testing.T) {
	f := newFixture(t)
	for _, s := range f.segs {
		require.NoError(t, os.Remove(s.AnnotationPath))
	}
	m := f.merger(nil)
	_, err := m.Merge(context.Background(), f.segs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAnnotations))
	_, statErr := os.Stat(MergedPath(f.segs[0].MediaPath))
	assert.True(t, os.IsNotExist(statErr), "merged media must be removed when annotations fail")
}

func TestMergeConcatFailureLeavesNoOutput(t *testing.T) {
	f := newFixture(t)
	f.runner.failConcat = true
	_, err := f.merger(nil).Merge(context.Background(), f.segs)
	require.Error(t, err)
	_, statErr := os.Stat(MergedPath(f.segs[0].MediaPath))
	assert.True(t, os.IsNotExist(statErr))
	for _, s := range f.segs {
		_, err := os.Stat(s.MediaPath)
		assert.NoError(t, err, "originals must survive a failed merge")
	}
}

func TestMergeCoverAndBackup(t *testing.T) {
	f := newFixture(t)
	cover := strings.TrimSuffix(f.segs[0].MediaPath, ".flv") + ".jpg"
	require.NoError(t, os.WriteFile(cover, []byte("jpeg"), 0o644))
	m := f.merger(func(o *Options) { o.Backup = true })
	res, err := m.Merge(context.Background(), f.segs)
	require.NoError(t, err)

	require.NotEmpty(t, res.CoverPath)
	data, err := os.ReadFile(res.CoverPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	for _, s := range f.segs {
		_, err := os.Stat(filepath.Join(f.dir, "bak", filepath.Base(s.MediaPath)))
		assert.NoError(t, err)
		_, err = os.Stat(s.MediaPath)
		assert.True(t, os.IsNotExist(err))
	}
	_, err = os.Stat(filepath.Join(f.dir, "bak", filepath.Base(cover)))
	assert.NoError(t, err)
	_, err = os.Stat(res.MediaPath)
	assert.NoError(t, err)
}

func TestLargest(t *testing.T) {
	f := newFixture(t)
	got, err := Largest(f.segs)
	require.NoError(t, err)
	assert.Equal(t, f.segs[1].MediaPath, got.MediaPath)

	_, err = Largest(nil)
	assert.True(t, errors.Is(err, ErrNoSegments))

	missing := []session.Segment{{MediaPath: "/nope/a.flv"}, {MediaPath: "/nope/b.flv"}}
	got, err = Largest(missing)
	require.NoError(t, err)
	assert.Equal(t, "/nope/a.flv", got.MediaPath)
}

func TestRepairTruncated(t *testing.T) {
	in := []byte("<?xml version=\"1.0\"?>\n<i>\n<d p=\"1,1\">a</d>\n<d p=\"2,1\">b</d>\n<d p=\"3,1\">cu")
	var doc document
	require.NoError(t, xml.Unmarshal(repairTruncated(in), &doc))
	assert.Len(t, doc.Elements, 2)

	whole := []byte("<i><d p=\"1\">a</d></i>\n")
	assert.Equal(t, whole, repairTruncated(whole))
}

func TestReadProlog(t *testing.T) {
	data := []byte(`<?xml version="1.0"?>` + "\n" + `<?xml-stylesheet href="a.xsl"?><!-- c --><i><?inside x?></i>`)
	got := readProlog(data)
	require.Len(t, got, 1)
	assert.Equal(t, "xml-stylesheet", got[0].Target)
	assert.Equal(t, `href="a.xsl"`, string(got[0].Inst))
	assert.Empty(t, readProlog([]byte(`<i></i>`)))
}

func TestMergedPath(t *testing.T) {
	assert.Equal(t, "/r/a_merged.flv", MergedPath("/r/a.flv"))
	assert.Equal(t, "/r/a_merged", MergedPath("/r/a"))
	assert.Equal(t, "/r/a.xml", AnnotationPath("/r/a.flv"))
}

func TestBoundedPropagatesParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bounded(ctx, time.Second, "op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrTimeout))
}
