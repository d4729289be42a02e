package rtc

// ntpEpochOffsetSecs converts NTP seconds (since 1900) to Unix ms.
const ntpEpochOffsetSecs = 2208988800

// NtpEstimator interpolates an RTP timestamp onto the NTP clock using
// the last two sender-report anchors.
type NtpEstimator struct {
	haveFirst  bool
	haveSecond bool
	ntpMs      [2]int64
	rtpTS      [2]uint32
}

// UpdateSR feeds one sender report's NTP/RTP pair.
func (e *NtpEstimator) UpdateSR(ntpSecs, ntpFrac, rtpTS uint32) {
	ntpMs := (int64(ntpSecs)-ntpEpochOffsetSecs)*1000 + (int64(ntpFrac)*1000)>>32
	if e.haveFirst && e.rtpTS[1] == rtpTS {
		return
	}
	if e.haveFirst {
		e.ntpMs[0], e.rtpTS[0] = e.ntpMs[1], e.rtpTS[1]
		e.haveSecond = true
	}
	e.ntpMs[1], e.rtpTS[1] = ntpMs, rtpTS
	e.haveFirst = true
}

// Estimate maps an RTP timestamp to NTP milliseconds. Returns -1 until
// two anchors are available.
func (e *NtpEstimator) Estimate(rtpTS uint32) int64 {
	if !e.haveSecond {
		return -1
	}
	dRtp := int32(e.rtpTS[1] - e.rtpTS[0]) // wrap-safe
	dNtp := e.ntpMs[1] - e.ntpMs[0]
	if dRtp == 0 || dNtp <= 0 {
		return -1
	}
	offset := int32(rtpTS - e.rtpTS[1])
	return e.ntpMs[1] + int64(offset)*dNtp/int64(dRtp)
}
