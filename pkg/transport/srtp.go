package transport

import (
	"fmt"

	"github.com/pion/srtp/v3"
)

// replayWindowSize matches the default SRTP replay protection window.
const replayWindowSize = 64

// SrtpChannel holds the four cipher directions for one DTLS session:
// outbound RTP/RTCP protected with the local write key, inbound
// unprotected with the remote write key, replay-protected.
type SrtpChannel struct {
	out *srtp.Context
	in  *srtp.Context
}

// SessionKeys is one side's master key and salt.
type SessionKeys struct {
	Key  []byte
	Salt []byte
}

// NewSrtpChannel builds the cipher contexts from already-oriented keys:
// local protects what we send, remote unprotects what we receive. The
// caller is responsible for the client/server swap.
func NewSrtpChannel(profile srtp.ProtectionProfile, local, remote SessionKeys) (*SrtpChannel, error) {
	out, err := srtp.CreateContext(local.Key, local.Salt, profile)
	if err != nil {
		return nil, fmt.Errorf("create outbound srtp context: %w", err)
	}
	in, err := srtp.CreateContext(remote.Key, remote.Salt, profile,
		srtp.SRTPReplayProtection(replayWindowSize),
		srtp.SRTCPReplayProtection(replayWindowSize))
	if err != nil {
		return nil, fmt.Errorf("create inbound srtp context: %w", err)
	}
	return &SrtpChannel{out: out, in: in}, nil
}

// ProtectRTP encrypts an outbound RTP packet.
func (c *SrtpChannel) ProtectRTP(plaintext []byte) ([]byte, error) {
	return c.out.EncryptRTP(nil, plaintext, nil)
}

// UnprotectRTP decrypts an inbound SRTP packet. Replayed packets fail.
func (c *SrtpChannel) UnprotectRTP(encrypted []byte) ([]byte, error) {
	return c.in.DecryptRTP(nil, encrypted, nil)
}

// ProtectRTCP encrypts an outbound RTCP compound packet.
func (c *SrtpChannel) ProtectRTCP(plaintext []byte) ([]byte, error) {
	return c.out.EncryptRTCP(nil, plaintext, nil)
}

// UnprotectRTCP decrypts an inbound SRTCP packet.
func (c *SrtpChannel) UnprotectRTCP(encrypted []byte) ([]byte, error) {
	return c.in.DecryptRTCP(nil, encrypted, nil)
}

// ExtractKeys splits RFC 5764 exported keying material into client and
// server halves for the given protection profile. Layout is
// client_key | server_key | client_salt | server_salt.
func ExtractKeys(profile srtp.ProtectionProfile, material []byte) (client, server SessionKeys, err error) {
	keyLen, err := profile.KeyLen()
	if err != nil {
		return client, server, fmt.Errorf("profile key length: %w", err)
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return client, server, fmt.Errorf("profile salt length: %w", err)
	}
	need := 2*keyLen + 2*saltLen
	if len(material) < need {
		return client, server, fmt.Errorf("keying material too short: have %d, need %d", len(material), need)
	}

	off := 0
	client.Key = material[off : off+keyLen]
	off += keyLen
	server.Key = material[off : off+keyLen]
	off += keyLen
	client.Salt = material[off : off+saltLen]
	off += saltLen
	server.Salt = material[off : off+saltLen]
	return client, server, nil
}

// KeyingMaterialLen returns the number of exported bytes needed for the
// profile.
func KeyingMaterialLen(profile srtp.ProtectionProfile) (int, error) {
	keyLen, err := profile.KeyLen()
	if err != nil {
		return 0, err
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return 0, err
	}
	return 2*keyLen + 2*saltLen, nil
}
