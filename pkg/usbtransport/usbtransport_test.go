package usbtransport

import (
	"testing"

	"github.com/google/gousb"

	"github.com/stretchr/testify/assert"
)

func TestBusPortPathWithPortChain(t *testing.T) {
	desc := &gousb.DeviceDesc{Bus: 1, Port: []int{2, 3}}
	assert.Equal(t, "1-2.3", busPortPath(desc))
}

func TestBusPortPathSinglePort(t *testing.T) {
	desc := &gousb.DeviceDesc{Bus: 3, Port: []int{4}}
	assert.Equal(t, "3-4", busPortPath(desc))
}

func TestBusPortPathFallsBackToBusWhenPortEmpty(t *testing.T) {
	desc := &gousb.DeviceDesc{Bus: 5, Port: nil}
	assert.Equal(t, "5", busPortPath(desc))
}

func TestHandleOutMaxPacketSize(t *testing.T) {
	h := &Handle{EpOutMPS: 512}
	assert.Equal(t, 512, h.OutMaxPacketSize())
}
