package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectDeadlockRing(t *testing.T) {
	d := NewDeadlockDetector()
	d.AddWaitRelation("A", "B")
	d.AddWaitRelation("B", "C")
	assert.Nil(t, d.DetectDeadlock())

	d.AddWaitRelation("C", "A")
	assert.Equal(t, []string{"A", "B", "C", "A"}, d.DetectDeadlock())
	assert.Equal(t, []string{"B", "C", "A", "B"}, d.DetectDeadlockFor("B"))

	d.RemoveWaitRelation("B", "C")
	assert.Nil(t, d.DetectDeadlock())
	assert.Nil(t, d.DetectDeadlockFor("A"))
}

func TestDetectDeadlockIgnoresDiamond(t *testing.T) {
	d := NewDeadlockDetector()
	d.AddWaitRelation("A", "B")
	d.AddWaitRelation("A", "C")
	d.AddWaitRelation("B", "D")
	d.AddWaitRelation("C", "D")
	assert.Nil(t, d.DetectDeadlock())
}

func TestDetectDeadlockFindsCycleBehindTail(t *testing.T) {
	d := NewDeadlockDetector()
	d.AddWaitRelation("A", "B")
	d.AddWaitRelation("B", "C")
	d.AddWaitRelation("C", "B")

	assert.Equal(t, []string{"B", "C", "B"}, d.DetectDeadlock())
	assert.Nil(t, d.DetectDeadlockFor("A"))
	assert.Equal(t, []string{"C", "B", "C"}, d.DetectDeadlockFor("C"))
}

func TestWaitRelationsAreCounted(t *testing.T) {
	d := NewDeadlockDetector()
	d.AddWaitRelation("A", "B")
	d.AddWaitRelation("A", "B")
	d.AddWaitRelation("B", "A")
	assert.NotNil(t, d.DetectDeadlock())

	d.RemoveWaitRelation("A", "B")
	assert.NotNil(t, d.DetectDeadlock())

	d.RemoveWaitRelation("A", "B")
	assert.Nil(t, d.DetectDeadlock())

	// removing a missing edge is harmless
	d.RemoveWaitRelation("A", "B")
	d.RemoveWaitRelation("X", "Y")
	assert.Equal(t, map[string][]string{"B": {"A"}}, d.Edges())
}

func TestSelfWaitIsIgnored(t *testing.T) {
	d := NewDeadlockDetector()
	d.AddWaitRelation("A", "A")
	assert.Empty(t, d.Edges())
	assert.Nil(t, d.DetectDeadlock())
}

func TestRemoveSession(t *testing.T) {
	d := NewDeadlockDetector()
	d.AddWaitRelation("A", "B")
	d.AddWaitRelation("B", "C")
	d.AddWaitRelation("C", "A")
	d.AddWaitRelation("D", "B")

	d.RemoveSession("B")
	assert.Nil(t, d.DetectDeadlock())
	assert.Equal(t, map[string][]string{"C": {"A"}}, d.Edges())
}
