package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := Fake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeRescheduleInsideCallback(t *testing.T) {
	c := Fake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(4*time.Second, tick)
	}
	c.AfterFunc(4*time.Second, tick)

	c.Advance(12 * time.Second)
	assert.Equal(t, 3, count)
	assert.Equal(t, 1, c.Pending())
}

func TestFakeAfter(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatal("did not fire")
	}

	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should be ready")
	}
}
