package ddb

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type TableTestSuite struct {
	suite.Suite
}

func TestTableTestSuite(t *testing.T) {
	suite.Run(t, new(TableTestSuite))
}

func (s *TableTestSuite) TestKeys() {
	s.Equal("RATE#prokerala", pkRate("prokerala"))
	s.Equal("WIN#user-1", skWin("user-1"))
	s.Equal("user-1", parseIdentifier(skWin("user-1")))
	// identifiers may contain the separator
	s.Equal("ip#10.0.0.1", parseIdentifier(skWin("ip#10.0.0.1")))
}

func (s *TableTestSuite) TestWindowItem() {
	it := windowItem{Count: 2, ResetAt: 1_700_000_000_123}
	w := it.window()
	s.Equal(2, w.Count)
	s.Equal(int64(1_700_000_000_123), w.ResetAt.UnixMilli())
}
