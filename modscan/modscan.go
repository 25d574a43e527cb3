// Package modscan enumerates loaded modules and resolves as-stable-as-
// possible identity tuples for them, merging /proc/self/maps with
// whatever richer link-map data a PhdrSource can supply.
//
// dl_iterate_phdr and dlinfo are libc entry points; this package takes
// them as an injected interface (PhdrSource) rather than calling libc
// directly, so it has no cgo dependency of its own — a caller running as
// a loaded shared object can wire a real implementation in, while tests
// and non-Android hosts use the /proc/self/maps path alone.
package modscan

import (
	"bufio"
	"fmt"
	"hash/maphash"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"j5.nz/pltproxy/internal/xerr"
	"j5.nz/pltproxy/modrule"
)

// Module is one loaded ELF image, identified per spec §3.
type Module struct {
	Path      string
	Base      uint64
	Instance  uint64
	Namespace uint64
}

func (m Module) Identity() modrule.Identity {
	return modrule.Identity{Path: m.Path, Base: m.Base, Instance: m.Instance, Namespace: m.Namespace}
}

// PhdrEntry is one dl_iterate_phdr callback invocation's worth of data.
type PhdrEntry struct {
	Path     string
	Base     uint64
	Instance uint64 // link-map node address
}

// PhdrSource abstracts dl_iterate_phdr. Adds/Subs is a monotonic counter
// pair the linker bumps on module load/unload, used to detect whether a
// cached maps-derived pass is still valid.
type PhdrSource interface {
	IteratePhdr() (entries []PhdrEntry, adds, subs uint64, err error)
}

// NoPhdrSource is used when no libc bridge is wired in; Scan then relies
// on /proc/self/maps alone.
type NoPhdrSource struct{}

func (NoPhdrSource) IteratePhdr() ([]PhdrEntry, uint64, uint64, error) { return nil, 0, 0, nil }

const mapsCacheReuseLimit = 32

// Scanner merges PhdrSource output with /proc/self/maps and accumulates
// identity hints across calls.
type Scanner struct {
	phdr PhdrSource

	mu          sync.Mutex
	lastEpoch   uint64
	haveEpoch   bool
	reuseCount  int
	cachedMaps  []mapsRegion
	baseHints   *lruCache[uint64, hint]
	instNS      *lruCache[uint64, uint64]
	pathNS      *lruCache[string, nsEntry]
	baseInstNS  *lruCache[baseInstKey, uint64]

	// resolveGroup collapses concurrent ResolveHandleIdentity calls for
	// the same handle into a single Scan: identity_of has no natural
	// per-handle cache (a dlopen handle can be probed at any time, by any
	// number of threads, for a module set that hasn't changed since the
	// last call), so repeat callers piggyback on one in-flight Scan
	// rather than each re-walking /proc/self/maps.
	resolveGroup singleflight.Group
}

type hint struct {
	instance  uint64
	namespace uint64
}

type nsEntry struct {
	namespace uint64
	ambiguous bool
}

type baseInstKey struct {
	base     uint64
	instance uint64
}

// NewScanner builds a Scanner. phdr may be NoPhdrSource{}.
func NewScanner(phdr PhdrSource) *Scanner {
	if phdr == nil {
		phdr = NoPhdrSource{}
	}
	return &Scanner{
		phdr:       phdr,
		baseHints:  newLRUCache[uint64, hint](1024),
		instNS:     newLRUCache[uint64, uint64](1024),
		pathNS:     newLRUCache[string, nsEntry](512),
		baseInstNS: newLRUCache[baseInstKey, uint64](1024),
	}
}

// ObserveHandleIdentity records a hint learned from a dlopen handle —
// base→{instance,namespace} and instance→namespace.
func (s *Scanner) ObserveHandleIdentity(base, instance, namespace uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseHints.put(base, hint{instance: instance, namespace: namespace})
	if namespace != 0 {
		s.instNS.put(instance, namespace)
	}
}

// ObservePathNamespace records path/basename→namespace, marking it
// ambiguous if a different namespace was already recorded for the same
// key.
func (s *Scanner) ObservePathNamespace(path string, namespace uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.pathNS.get(path); ok && prev.namespace != namespace {
		s.pathNS.put(path, nsEntry{ambiguous: true})
		return
	}
	s.pathNS.put(path, nsEntry{namespace: namespace})
}

// Scan produces the deduplicated, identity-resolved module list.
func (s *Scanner) Scan() ([]Module, error) {
	entries, adds, subs, err := s.phdr.IteratePhdr()
	if err != nil {
		return nil, xerr.New("Scanner.Scan", xerr.ReadElf, "dl_iterate_phdr", err)
	}

	s.mu.Lock()
	epoch := adds<<32 | subs
	useCache := s.haveEpoch && epoch == s.lastEpoch && s.reuseCount < mapsCacheReuseLimit
	var regions []mapsRegion
	if useCache {
		regions = s.cachedMaps
		s.reuseCount++
	} else {
		s.mu.Unlock()
		regions, err = readMaps()
		s.mu.Lock()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.cachedMaps = regions
		s.lastEpoch = epoch
		s.haveEpoch = true
		s.reuseCount = 0
	}
	s.mu.Unlock()

	byBase := make(map[uint64]*Module)
	var order []uint64

	for _, e := range entries {
		if e.Path == "" {
			continue
		}
		m := &Module{Path: e.Path, Base: e.Base, Instance: e.Instance}
		byBase[e.Base] = m
		order = append(order, e.Base)
	}

	for _, r := range regions {
		if r.path == "" {
			continue
		}
		if m, ok := byBase[r.base]; ok {
			if m.Path == "" {
				m.Path = r.path
			}
			continue
		}
		inst := mixInstance(r.devMajor, r.devMinor, r.inode)
		m := &Module{Path: r.path, Base: r.base, Instance: inst}
		byBase[r.base] = m
		order = append(order, r.base)
	}

	mods := make([]Module, 0, len(order))
	s.mu.Lock()
	for _, base := range order {
		m := byBase[base]
		if m.Instance == 0 {
			if h, ok := s.baseHints.get(base); ok {
				m.Instance = h.instance
			}
		}
		m.Namespace = s.resolveNamespace(*m)
		mods = append(mods, *m)
	}
	s.mu.Unlock()

	return mods, nil
}

// resolveNamespace must be called with s.mu held.
func (s *Scanner) resolveNamespace(m Module) uint64 {
	if h, ok := s.baseHints.get(m.Base); ok && h.namespace != 0 {
		return h.namespace
	}
	if ns, ok := s.instNS.get(m.Instance); ok {
		return ns
	}
	if ns, ok := s.baseInstNS.get(baseInstKey{base: m.Base, instance: m.Instance}); ok {
		return ns
	}
	if e, ok := s.pathNS.get(m.Path); ok && !e.ambiguous {
		return e.namespace
	}
	return 0
}

// ClassifyChange buckets how a new Scan result differs from the known
// set, mirroring the refresh engine's Unchanged/AddedOnly/Changed/Unknown
// decision.
type ChangeClass int

const (
	Unchanged ChangeClass = iota
	AddedOnly
	Changed
	UnknownChange
)

func ClassifyChange(known map[modrule.Identity]struct{}, current []Module) ChangeClass {
	if known == nil {
		return UnknownChange
	}
	seen := make(map[modrule.Identity]struct{}, len(current))
	for _, m := range current {
		seen[m.Identity()] = struct{}{}
	}

	// Anything known but no longer present means modules were removed.
	for id := range known {
		if _, ok := seen[id]; !ok {
			return Changed
		}
	}

	added := false
	for id := range seen {
		if _, ok := known[id]; !ok {
			added = true
			break
		}
	}
	if added {
		return AddedOnly
	}
	return Unchanged
}

type mapsRegion struct {
	base               uint64
	end                uint64
	path               string
	devMajor, devMinor uint32
	inode              uint64
}

func readMaps() ([]mapsRegion, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, xerr.New("readMaps", xerr.ReadElf, "opening /proc/self/maps", err)
	}
	defer f.Close()

	var regions []mapsRegion
	seen := make(map[string]bool)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		rng := fields[0]
		i := strings.IndexByte(rng, '-')
		if i < 0 {
			continue
		}
		base, err := strconv.ParseUint(rng[:i], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(rng[i+1:], 16, 64)
		if err != nil {
			continue
		}
		dev := fields[3]
		di := strings.IndexByte(dev, ':')
		var devMajor, devMinor uint64
		if di >= 0 {
			devMajor, _ = strconv.ParseUint(dev[:di], 16, 32)
			devMinor, _ = strconv.ParseUint(dev[di+1:], 16, 32)
		}
		inode, _ := strconv.ParseUint(fields[4], 10, 64)

		var path string
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
		}
		path = strings.TrimSuffix(path, " (deleted)")
		if path == "" {
			continue
		}
		if !seen[path] {
			seen[path] = true
			regions = append(regions, mapsRegion{
				base: base, end: end, path: path,
				devMajor: uint32(devMajor), devMinor: uint32(devMinor), inode: inode,
			})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, xerr.New("readMaps", xerr.ReadElf, "scanning /proc/self/maps", err)
	}
	return regions, nil
}

// ResolveHandleIdentity implements identity_of/identity_of_with_symbol's
// module-lookup half: handle is treated as a link-map instance id (the
// same value ObserveHandleIdentity records), falling back to a direct
// base-address match for callers that pass a base instead of a true
// dlopen handle. probe is only part of the key that collapses concurrent
// identical lookups; it is not used to find the module, and no
// symbol-based disambiguation of an ambiguous handle is done.
func (s *Scanner) ResolveHandleIdentity(handle uint64, probe string) (modrule.Identity, bool) {
	key := fmt.Sprintf("%x:%s", handle, probe)
	v, err, _ := s.resolveGroup.Do(key, func() (any, error) {
		mods, scanErr := s.Scan()
		if scanErr != nil {
			return nil, scanErr
		}
		for _, m := range mods {
			if m.Instance == handle || m.Base == handle {
				return m.Identity(), nil
			}
		}
		return nil, nil
	})
	if err != nil || v == nil {
		return modrule.Identity{}, false
	}
	return v.(modrule.Identity), true
}

// mixInstance derives a stable 64-bit instance id from a mapping's
// device/inode, via maphash (a murmur3-class non-cryptographic mixer) —
// the pack has no murmur3 package, and this needs no cross-process
// stability, only per-process uniqueness for the process lifetime.
var mixSeed = maphash.MakeSeed()

func mixInstance(devMajor, devMinor uint32, inode uint64) uint64 {
	var h maphash.Hash
	h.SetSeed(mixSeed)
	var buf [16]byte
	buf[0] = byte(devMajor)
	buf[1] = byte(devMajor >> 8)
	buf[2] = byte(devMinor)
	buf[3] = byte(devMinor >> 8)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(inode >> (8 * i))
	}
	h.Write(buf[:12])
	return h.Sum64()
}
