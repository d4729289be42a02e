package rtp

import "fmt"

// SPSDimensions extracts the coded picture size from an H.264 sequence
// parameter set. Enough of the SPS is decoded to reach the
// pic_width/pic_height fields and the frame cropping offsets.
func SPSDimensions(sps []byte) (width, height int, err error) {
	if len(sps) < 4 {
		return 0, 0, fmt.Errorf("sps too short")
	}
	r := &bitReader{data: emulationPreventionStrip(sps[1:])}

	profileIdc := r.bits(8)
	r.bits(16) // constraint flags + level_idc
	r.ue()     // seq_parameter_set_id

	chromaFormatIdc := uint(1)
	if profileIdc == 100 || profileIdc == 110 || profileIdc == 122 ||
		profileIdc == 244 || profileIdc == 44 || profileIdc == 83 ||
		profileIdc == 86 || profileIdc == 118 || profileIdc == 128 {
		chromaFormatIdc = r.ue()
		if chromaFormatIdc == 3 {
			r.bits(1) // separate_colour_plane_flag
		}
		r.ue()    // bit_depth_luma_minus8
		r.ue()    // bit_depth_chroma_minus8
		r.bits(1) // qpprime_y_zero_transform_bypass_flag
		if r.bits(1) == 1 { // seq_scaling_matrix_present_flag
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				if r.bits(1) == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					last, next := int64(8), int64(8)
					for j := 0; j < size; j++ {
						if next != 0 {
							next = (last + r.se() + 256) % 256
						}
						if next != 0 {
							last = next
						}
					}
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	picOrderCntType := r.ue()
	if picOrderCntType == 0 {
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	} else if picOrderCntType == 1 {
		r.bits(1) // delta_pic_order_always_zero_flag
		r.se()
		r.se()
		n := r.ue()
		for i := uint(0); i < n; i++ {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.bits(1) // gaps_in_frame_num_value_allowed_flag

	picWidthInMbs := r.ue() + 1
	picHeightInMapUnits := r.ue() + 1
	frameMbsOnly := r.bits(1)
	if frameMbsOnly == 0 {
		r.bits(1) // mb_adaptive_frame_field_flag
	}
	r.bits(1) // direct_8x8_inference_flag

	width = int(picWidthInMbs) * 16
	height = int(picHeightInMapUnits) * 16 * int(2-frameMbsOnly)

	if r.bits(1) == 1 { // frame_cropping_flag
		cropLeft := r.ue()
		cropRight := r.ue()
		cropTop := r.ue()
		cropBottom := r.ue()

		cropUnitX, cropUnitY := uint(1), uint(2-frameMbsOnly)
		switch chromaFormatIdc {
		case 1:
			cropUnitX, cropUnitY = 2, 2*(2-frameMbsOnly)
		case 2:
			cropUnitX, cropUnitY = 2, 1*(2-frameMbsOnly)
		}
		width -= int((cropLeft + cropRight) * cropUnitX)
		height -= int((cropTop + cropBottom) * cropUnitY)
	}

	if r.overflow || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("sps truncated")
	}
	return width, height, nil
}

// emulationPreventionStrip removes 00 00 03 escape sequences.
func emulationPreventionStrip(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// bitReader is a small MSB-first reader with exp-Golomb support.
type bitReader struct {
	data     []byte
	pos      int // bit position
	overflow bool
}

func (r *bitReader) bits(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		byteIdx := r.pos >> 3
		if byteIdx >= len(r.data) {
			r.overflow = true
			return 0
		}
		bit := (r.data[byteIdx] >> (7 - uint(r.pos&7))) & 1
		v = v<<1 | uint(bit)
		r.pos++
	}
	return v
}

// ue reads an unsigned exp-Golomb value.
func (r *bitReader) ue() uint {
	zeros := 0
	for r.bits(1) == 0 && !r.overflow {
		zeros++
		if zeros > 31 {
			r.overflow = true
			return 0
		}
	}
	if r.overflow {
		return 0
	}
	return (1 << uint(zeros)) - 1 + r.bits(zeros)
}

// se reads a signed exp-Golomb value.
func (r *bitReader) se() int64 {
	v := int64(r.ue())
	if v&1 == 1 {
		return (v + 1) / 2
	}
	return -v / 2
}
