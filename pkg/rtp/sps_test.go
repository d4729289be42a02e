package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bitWriter builds SPS bitstreams for the parser tests.
type bitWriter struct {
	data []byte
	pos  int
}

func (w *bitWriter) bit(b uint) {
	if w.pos%8 == 0 {
		w.data = append(w.data, 0)
	}
	if b != 0 {
		w.data[len(w.data)-1] |= 1 << (7 - uint(w.pos%8))
	}
	w.pos++
}

func (w *bitWriter) bits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit((v >> uint(i)) & 1)
	}
}

func (w *bitWriter) ue(v uint) {
	bits := 0
	for x := v + 1; x > 1; x >>= 1 {
		bits++
	}
	for i := 0; i < bits; i++ {
		w.bit(0)
	}
	w.bits(v+1, bits+1)
}

// buildSPS renders a baseline-profile SPS with the given macroblock
// geometry and optional bottom cropping (in crop units).
func buildSPS(widthMbsMinus1, heightMapUnitsMinus1, cropBottom uint) []byte {
	w := &bitWriter{}
	w.bits(66, 8) // profile_idc: baseline
	w.bits(0, 16) // constraint flags + level_idc
	w.ue(0)       // seq_parameter_set_id
	w.ue(4)       // log2_max_frame_num_minus4
	w.ue(0)       // pic_order_cnt_type
	w.ue(4)       // log2_max_pic_order_cnt_lsb_minus4
	w.ue(1)       // max_num_ref_frames
	w.bit(0)      // gaps_in_frame_num_value_allowed_flag
	w.ue(widthMbsMinus1)
	w.ue(heightMapUnitsMinus1)
	w.bit(1) // frame_mbs_only_flag
	w.bit(0) // direct_8x8_inference_flag
	if cropBottom > 0 {
		w.bit(1) // frame_cropping_flag
		w.ue(0)
		w.ue(0)
		w.ue(0)
		w.ue(cropBottom)
	} else {
		w.bit(0)
	}
	w.bit(0) // vui_parameters_present_flag

	return append([]byte{0x67}, w.data...)
}

func TestSPSDimensions(t *testing.T) {
	// 40x30 macroblocks, no cropping: 640x480.
	w, h, err := SPSDimensions(buildSPS(39, 29, 0))
	require.NoError(t, err)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
}

func TestSPSDimensionsCropped(t *testing.T) {
	// 120x68 macroblocks cropped by 4 chroma units at the bottom:
	// 1920x1088 - 8 = 1920x1080.
	w, h, err := SPSDimensions(buildSPS(119, 67, 4))
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestSPSDimensionsRejectsGarbage(t *testing.T) {
	_, _, err := SPSDimensions([]byte{0x67})
	assert.Error(t, err)

	_, _, err = SPSDimensions([]byte{0x67, 0x42, 0x00, 0x1f, 0xff})
	assert.Error(t, err)
}

func TestEmulationPreventionStrip(t *testing.T) {
	in := []byte{0x00, 0x00, 0x03, 0x01, 0xab, 0x00, 0x00, 0x03, 0x00}
	out := emulationPreventionStrip(in)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0xab, 0x00, 0x00, 0x00}, out)
}
