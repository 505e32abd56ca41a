package mesh

import (
	"net/netip"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type fileRoute struct {
	Dest        string `yaml:"dest"`
	NextHop     string `yaml:"nexthop"`
	Metric      uint32 `yaml:"metric"`
	Lifetime    uint32 `yaml:"lifetime"`
	LearnedFrom int    `yaml:"learned-from"`
}

type fileRoutes struct {
	Routes []fileRoute `yaml:"routes"`
}

// FileSource refreshes a Table from the route export file written by the
// mesh stack.
type FileSource struct {
	path  string
	table *Table
	log   *zap.SugaredLogger
}

// NewFileSource returns a source loading path into t.
func NewFileSource(path string, t *Table, log *zap.SugaredLogger) *FileSource {
	return &FileSource{path: path, table: t, log: log}
}

// Table returns the table being refreshed.
func (s *FileSource) Table() *Table {
	return s.table
}

// Load replaces the content of the table with the routes in the file. A
// missing file leaves the table empty. Records that cannot be parsed are
// skipped.
func (s *FileSource) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.log.Debugf("Route export %s not present, mesh is empty", s.path)
		s.table.Reset()
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading route export %s", s.path)
	}

	var fr fileRoutes
	if err := yaml.Unmarshal(data, &fr); err != nil {
		return errors.Wrapf(err, "parsing route export %s", s.path)
	}

	s.table.Reset()
	for i, r := range fr.Routes {
		rec, err := r.record()
		if err != nil {
			s.log.Infof("Skipping route %d in %s: %v", i, s.path, err)
			continue
		}
		if err := s.table.Add(rec); err != nil {
			s.log.Errorf("Dropping %d routes from %s: %v", len(fr.Routes)-i, s.path, err)
			break
		}
	}
	s.log.Debugf("Loaded %d mesh routes from %s", s.table.Len(), s.path)
	return nil
}

func (r fileRoute) record() (Record, error) {
	dst, err := netip.ParsePrefix(r.Dest)
	if err != nil {
		return Record{}, errors.Wrap(err, "destination")
	}
	if !dst.Addr().Is6() || dst.Addr().Is4In6() {
		return Record{}, errors.Errorf("destination %s is not IPv6", dst)
	}
	nh, err := netip.ParseAddr(r.NextHop)
	if err != nil {
		return Record{}, errors.Wrap(err, "next hop")
	}
	if !nh.Is6() {
		return Record{}, errors.Errorf("next hop %s is not IPv6", nh)
	}
	nh = nh.WithZone("")
	return Record{
		Addr:        dst.Addr(),
		Length:      uint8(dst.Bits()),
		NextHop:     nh,
		Metric:      r.Metric,
		Lifetime:    r.Lifetime,
		LearnedFrom: r.LearnedFrom,
	}, nil
}
