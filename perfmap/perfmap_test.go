package perfmap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grafana/pyroscope/addrspace"
	"github.com/grafana/pyroscope/addrspace/metrics"
	"github.com/grafana/pyroscope/addrspace/util"
)

func testLoader(t *testing.T, root string, options ...func(*LoaderOptions)) *Loader {
	o := LoaderOptions{
		Root:    root,
		Metrics: metrics.NewPerfMapMetrics(nil),
	}
	for _, f := range options {
		f(&o)
	}
	l, err := NewLoader(util.TestLogger(t), o)
	require.NoError(t, err)
	return l
}

func newTestProfile() *addrspace.Profile {
	return addrspace.NewProfile(addrspace.ProfileOptions{
		Name:    "test",
		Metrics: metrics.NewResolverMetrics(nil),
	})
}

func writePerfMap(t *testing.T, root, pid, content string) string {
	dir := filepath.Join(root, "tmp")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, Name(pid))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParsePerfMapLine(t *testing.T) {
	l := testLoader(t, "/")
	testcases := []struct {
		line string
		e    entry
		ok   bool
	}{
		{"1000 20 foo", entry{addr: 0x1000, size: 0x20, name: "foo"}, true},
		{"0x1000 0x20 foo", entry{addr: 0x1000, size: 0x20, name: "foo"}, true},
		{"7f00aa00 0 empty_fn", entry{addr: 0x7f00aa00, size: 0, name: "empty_fn"}, true},
		{"1000 20 name with spaces", entry{addr: 0x1000, size: 0x20, name: "name with spaces"}, true},
		{"1000 20 ", entry{}, false},
		{"1000 20", entry{}, false},
		{"1000", entry{}, false},
		{"zz 20 foo", entry{}, false},
		{"1000 zz foo", entry{}, false},
		{"1000 112345678 foo", entry{}, false}, // size does not fit u32
		{"", entry{}, false},
	}
	for _, tc := range testcases {
		e, ok := l.parsePerfMapLine([]byte(tc.line))
		require.Equal(t, tc.ok, ok, "line %q", tc.line)
		if tc.ok {
			require.Equal(t, tc.e, e, "line %q", tc.line)
		}
	}
}

func TestLoadPerfMapPacksFunctionsBackToBack(t *testing.T) {
	root := t.TempDir()
	writePerfMap(t, root, "77", "1000 20 one\n2000 30 two\n3000 10 three\n")

	l := testLoader(t, root)
	p := newTestProfile()
	proc := p.AddProcess("77", "node", 0)

	require.True(t, l.LoadPerfMap(p, proc, "77", nil))

	// Functions get consecutive slots of the invented address space in
	// file order, regardless of their true addresses.
	f := p.ResolveAddress(proc, 0x1000)
	require.True(t, f.InLibrary())
	require.Equal(t, uint32(0), f.Rel)

	f = p.ResolveAddress(proc, 0x2010)
	require.True(t, f.InLibrary())
	require.Equal(t, uint32(0x30), f.Rel)

	f = p.ResolveAddress(proc, 0x3000)
	require.True(t, f.InLibrary())
	require.Equal(t, uint32(0x50), f.Rel)

	sym, ok := p.ResolveSymbol(f)
	require.True(t, ok)
	require.Equal(t, "three", sym.Name)

	require.Equal(t, 1, p.UsedLibCount())
	require.Equal(t, "perf-77.map", p.UsedLib(0).Name)
	require.Equal(t, "/tmp/perf-77.map", p.UsedLib(0).Path)
}

func TestLoadPerfMapMissingFileIsQuiet(t *testing.T) {
	l := testLoader(t, t.TempDir())
	p := newTestProfile()
	proc := p.AddProcess("1", "app", 0)

	require.False(t, l.LoadPerfMap(p, proc, "1", nil))
	require.Equal(t, 0, p.UsedLibCount())
	require.False(t, p.ResolveAddress(proc, 0x1000).InLibrary())
	require.Equal(t, 1.0, testutil.ToFloat64(l.options.Metrics.Loads.WithLabelValues("perfmap", "missing")))
}

func TestLoadPerfMapDropsMalformedLines(t *testing.T) {
	root := t.TempDir()
	writePerfMap(t, root, "5", "1000 20 good\nnot a perf map line at all\n2000 xx bad\n3000 10 also_good\n")

	l := testLoader(t, root)
	p := newTestProfile()
	proc := p.AddProcess("5", "node", 0)

	require.True(t, l.LoadPerfMap(p, proc, "5", nil))
	f := p.ResolveAddress(proc, 0x3000)
	sym, ok := p.ResolveSymbol(f)
	require.True(t, ok)
	require.Equal(t, "also_good", sym.Name)
	require.Equal(t, 2, p.UsedLibSymbolTable(f.Lib).Len())
	require.Equal(t, 2.0, testutil.ToFloat64(l.options.Metrics.LinesParsed))
	require.Equal(t, 2.0, testutil.ToFloat64(l.options.Metrics.LinesRejected))
}

func TestLoadPerfMapCachesByStat(t *testing.T) {
	root := t.TempDir()
	path := writePerfMap(t, root, "9", "1000 20 fn\n")

	l := testLoader(t, root)
	p := newTestProfile()
	proc := p.AddProcess("9", "node", 0)

	require.True(t, l.LoadPerfMap(p, proc, "9", nil))
	require.True(t, l.LoadPerfMap(p, proc, "9", nil))
	require.Equal(t, 1.0, testutil.ToFloat64(l.options.Metrics.CacheHits))
	require.Equal(t, 1.0, testutil.ToFloat64(l.options.Metrics.CacheMisses))

	// Growing the file changes its stat and forces a re-parse.
	require.NoError(t, os.WriteFile(path, []byte("1000 20 fn\n2000 30 fn2\n"), 0o644))
	require.True(t, l.LoadPerfMap(p, proc, "9", nil))
	require.Equal(t, 2.0, testutil.ToFloat64(l.options.Metrics.CacheMisses))

	f := p.ResolveAddress(proc, 0x2000)
	sym, ok := p.ResolveSymbol(f)
	require.True(t, ok)
	require.Equal(t, "fn2", sym.Name)
}

func TestLoadPerfMapRecyclesPlacements(t *testing.T) {
	root := t.TempDir()
	writePerfMap(t, root, "100", "1000 20 stable_fn\n")
	writePerfMap(t, root, "200", "5000 20 stable_fn\n5020 30 fresh_fn\n")

	l := testLoader(t, root)
	p := newTestProfile()
	rec := NewFunctionRecycler()

	first := p.AddProcess("100", "node", 0)
	require.True(t, l.LoadPerfMap(p, first, "100", rec))
	f1 := p.ResolveAddress(first, 0x1010)
	require.True(t, f1.InLibrary())

	second := p.AddProcess("200", "node", 10)
	require.True(t, l.LoadPerfMap(p, second, "200", rec))

	// stable_fn keeps the placement from the first recording.
	f2 := p.ResolveAddress(second, 0x5010)
	require.Equal(t, f1.Lib, f2.Lib)
	require.Equal(t, f1.Rel, f2.Rel)

	// fresh_fn lands in the second map's own library.
	f3 := p.ResolveAddress(second, 0x5020)
	require.NotEqual(t, f1.Lib, f3.Lib)
	require.Equal(t, uint32(0x20), f3.Rel)

	require.Equal(t, 2, rec.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(l.options.Metrics.RecycledSymbols))
}

func TestLoadPerfMapDemangles(t *testing.T) {
	root := t.TempDir()
	writePerfMap(t, root, "3", "1000 20 _Z3foov\n")

	l := testLoader(t, root, func(o *LoaderOptions) {
		o.DemangleOptions = DemangleFull
	})
	p := newTestProfile()
	proc := p.AddProcess("3", "app", 0)

	require.True(t, l.LoadPerfMap(p, proc, "3", nil))
	f := p.ResolveAddress(proc, 0x1000)
	sym, ok := p.ResolveSymbol(f)
	require.True(t, ok)
	require.Equal(t, "foo()", sym.Name)
}

func TestFunctionRecycler(t *testing.T) {
	r := NewFunctionRecycler()
	lib, rel := r.Recycle("f", 0x20, 7, 0x100)
	require.Equal(t, addrspace.LibraryHandle(7), lib)
	require.Equal(t, uint32(0x100), rel)

	lib, rel = r.Recycle("f", 0x20, 9, 0x500)
	require.Equal(t, addrspace.LibraryHandle(7), lib)
	require.Equal(t, uint32(0x100), rel)

	// A different size is a different function.
	lib, rel = r.Recycle("f", 0x30, 9, 0x500)
	require.Equal(t, addrspace.LibraryHandle(9), lib)
	require.Equal(t, uint32(0x500), rel)
}

func TestConvertDemangleOptions(t *testing.T) {
	require.Nil(t, ConvertDemangleOptions("unknown"))
	require.NotNil(t, ConvertDemangleOptions("none"))
	require.Len(t, ConvertDemangleOptions("full"), 1)
	require.Len(t, ConvertDemangleOptions("simplified"), 3)
}

func TestStatChangesWithMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	st1 := statFromFileInfo(fi)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
	fi, err = os.Stat(path)
	require.NoError(t, err)
	st2 := statFromFileInfo(fi)

	require.NotEqual(t, st1, st2)
	require.Equal(t, st1.Size, st2.Size)
}
