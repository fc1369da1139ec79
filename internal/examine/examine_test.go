package examine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openraid/raidbdev/internal/hostapi/hostapitest"
	"github.com/openraid/raidbdev/internal/lifecycle"
	"github.com/openraid/raidbdev/internal/personality"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/registry"
	"github.com/openraid/raidbdev/internal/superblock"
	"github.com/openraid/raidbdev/internal/types"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type ExamineSuite struct {
	lc   *lifecycle.Engine
	ex   *Engine
	reg  *registry.Registry
	host *hostapitest.HostLayer
}

var _ = Suite(&ExamineSuite{})

func (s *ExamineSuite) SetUpTest(c *C) {
	personalities := personality.New(logrus.StandardLogger())
	c.Assert(personalities.Register(&personality.Descriptor{
		Level:    types.LevelConcat,
		MinSlots: 1,
		Impl:     hostapitest.NewPersonality(types.LevelConcat),
	}), IsNil)

	s.host = hostapitest.NewHostLayer()
	s.reg = registry.New()
	s.lc = lifecycle.New(s.reg, personalities, s.host, logrus.StandardLogger())
	s.lc.Run()
	s.ex = New(s.lc, s.reg, s.host, logrus.StandardLogger())
}

func (s *ExamineSuite) TearDownTest(c *C) {
	s.lc.Stop()
}

// TestAssembleAfterRestart exercises concrete scenario #2: a device
// presenting a valid superblock for an array the registry does not yet know
// about must assemble a fresh Array record and bind into it.
func (s *ExamineSuite) TestAssembleAfterRestart(c *C) {
	devA := hostapitest.NewDevice("devA", 4096, 2048)
	devB := hostapitest.NewDevice("devB", 4096, 2048)
	s.host.Register(devA)
	s.host.Register(devB)

	arrUUID := uuid.New()
	rec := &superblock.Record{
		ArrayUUID: arrUUID,
		ArrayName: "r0",
		Level:     types.LevelConcat,
		BlockSize: 4096,
		Slots: []superblock.SlotEntry{
			{UUID: devA.UUID(), SlotIndex: 0, State: types.SlotConfigured, DataOffset: 256, DataSize: 1792},
			{UUID: devB.UUID(), SlotIndex: 1, State: types.SlotConfigured, DataOffset: 256, DataSize: 1792},
		},
	}
	_, err := superblock.WriteAll(context.Background(), []superblock.WriteTarget{{Name: "devA", Dev: devA}}, rec, 0)
	c.Assert(err, IsNil)

	err = s.ex.Examine(context.Background(), "devA")
	c.Assert(err, IsNil)

	arr, found := s.reg.FindByUUID(arrUUID)
	c.Assert(found, Equals, true)
	c.Check(arr.Name, Equals, "r0")
	c.Check(arr.State(), Equals, raidarray.StateConfiguring)
	c.Check(arr.DiscoveredCount(), Equals, 1)
	c.Check(arr.Slot(0).IsConfigured(), Equals, true)
}

// TestHigherSequenceReplacesConfiguringArray exercises concrete scenario #3:
// a device presenting a superblock with a sequence number higher than an
// already-assembled CONFIGURING array's must delete and reassemble that
// array from the new record.
func (s *ExamineSuite) TestHigherSequenceReplacesConfiguringArray(c *C) {
	devA := hostapitest.NewDevice("devA", 4096, 2048)
	devB := hostapitest.NewDevice("devB", 4096, 2048)
	devC := hostapitest.NewDevice("devC", 4096, 2048)
	s.host.Register(devA)
	s.host.Register(devB)
	s.host.Register(devC)

	arrUUID := uuid.New()
	rec1 := &superblock.Record{
		ArrayUUID: arrUUID,
		ArrayName: "r0",
		Level:     types.LevelConcat,
		BlockSize: 4096,
		Slots: []superblock.SlotEntry{
			{UUID: devA.UUID(), SlotIndex: 0, State: types.SlotConfigured, DataOffset: 256, DataSize: 1792},
			{UUID: devB.UUID(), SlotIndex: 1, State: types.SlotConfigured, DataOffset: 256, DataSize: 1792},
		},
	}
	_, err := superblock.WriteAll(context.Background(), []superblock.WriteTarget{{Name: "devA", Dev: devA}}, rec1, 0)
	c.Assert(err, IsNil)
	c.Assert(s.ex.Examine(context.Background(), "devA"), IsNil)

	arr, found := s.reg.FindByUUID(arrUUID)
	c.Assert(found, Equals, true)
	c.Check(arr.SBSeq, Equals, uint64(1))

	rec2 := &superblock.Record{
		ArrayUUID: arrUUID,
		ArrayName: "r0",
		Level:     types.LevelConcat,
		BlockSize: 4096,
		Slots: []superblock.SlotEntry{
			{UUID: devC.UUID(), SlotIndex: 0, State: types.SlotConfigured, DataOffset: 256, DataSize: 1792},
			{UUID: devB.UUID(), SlotIndex: 1, State: types.SlotConfigured, DataOffset: 256, DataSize: 1792},
		},
	}
	_, err = superblock.WriteAll(context.Background(), []superblock.WriteTarget{{Name: "devC", Dev: devC}}, rec2, 5)
	c.Assert(err, IsNil)

	c.Assert(s.ex.Examine(context.Background(), "devC"), IsNil)

	newArr, found := s.reg.FindByUUID(arrUUID)
	c.Assert(found, Equals, true)
	c.Check(newArr.SBSeq, Equals, uint64(6))
	c.Check(newArr.DiscoveredCount(), Equals, 1)
	c.Check(newArr.Slot(0).IsConfigured(), Equals, true)
	devID, _ := newArr.Slot(0).UUID()
	c.Check(devID, Equals, devC.UUID())
}
