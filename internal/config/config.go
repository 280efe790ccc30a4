// Package config holds the data plane's runtime-tunable knobs. Every value
// is overridable by an environment variable at process startup.
package config

import (
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

// Config holds the NVMe initiator, transport, socket, and bdev-pool knobs.
//
//nolint:govet // fieldalignment: field order prioritizes readability over memory optimization.
type Config struct {
	NvmeTimeout          time.Duration
	NvmeTimeoutAdmin     time.Duration
	NvmeKato             time.Duration
	NvmeRetryCount        uint32
	NvmeAdminqPollPeriod time.Duration
	NvmeIoqPollPeriod    time.Duration
	NvmeBdevRetryCount   uint32
	NvmeQpairConnectAsync bool

	NvmfTCPMaxQueueDepth    uint32
	NvmfTCPMaxQpairsPerCtrl uint32
	NvmfTCPNumSharedBuf     uint32
	NvmfTCPBufCacheSize     uint32
	NvmfAcceptorPollRate    uint32
	NvmfZcopy               bool

	SockRecvBufSize       uint32
	SockSendBufSize       uint32
	SockEnableQuickack    bool
	SockZerocopySendServer bool

	BdevIoPoolSize  uint32
	BdevIoCacheSize uint32
}

// Default returns the Config populated with its documented defaults.
func Default() Config {
	return Config{
		NvmeTimeout:           5_000_000 * time.Microsecond,
		NvmeTimeoutAdmin:      5_000_000 * time.Microsecond,
		NvmeKato:              1_000 * time.Millisecond,
		NvmeRetryCount:        0,
		NvmeAdminqPollPeriod:  1_000 * time.Microsecond,
		NvmeIoqPollPeriod:     0,
		NvmeBdevRetryCount:    0,
		NvmeQpairConnectAsync: false,

		NvmfTCPMaxQueueDepth:    32,
		NvmfTCPMaxQpairsPerCtrl: 32,
		NvmfTCPNumSharedBuf:     2048,
		NvmfTCPBufCacheSize:     64,
		NvmfAcceptorPollRate:    10_000,
		NvmfZcopy:               true,

		SockRecvBufSize:        2_097_152,
		SockSendBufSize:        2_097_152,
		SockEnableQuickack:     true,
		SockZerocopySendServer: true,

		BdevIoPoolSize:  65_535,
		BdevIoCacheSize: 512,
	}
}

// FromEnv returns Default() with every field overridden by its env var, if set.
func FromEnv() Config {
	c := Default()

	c.NvmeTimeout = durationUsEnv("NVME_TIMEOUT_US", c.NvmeTimeout)
	c.NvmeTimeoutAdmin = durationUsEnv("NVME_TIMEOUT_ADMIN_US", c.NvmeTimeoutAdmin)
	c.NvmeKato = durationMsEnv("NVME_KATO_MS", c.NvmeKato)
	c.NvmeRetryCount = uint32Env("NVME_RETRY_COUNT", c.NvmeRetryCount)
	c.NvmeAdminqPollPeriod = durationUsEnv("NVME_ADMINQ_POLL_PERIOD_US", c.NvmeAdminqPollPeriod)
	c.NvmeIoqPollPeriod = durationUsEnv("NVME_IOQ_POLL_PERIOD_US", c.NvmeIoqPollPeriod)
	c.NvmeBdevRetryCount = uint32Env("NVME_BDEV_RETRY_COUNT", c.NvmeBdevRetryCount)
	c.NvmeQpairConnectAsync = boolEnv("NVME_QPAIR_CONNECT_ASYNC", c.NvmeQpairConnectAsync)

	c.NvmfTCPMaxQueueDepth = uint32Env("NVMF_TCP_MAX_QUEUE_DEPTH", c.NvmfTCPMaxQueueDepth)
	c.NvmfTCPMaxQpairsPerCtrl = uint32Env("NVMF_TCP_MAX_QPAIRS_PER_CTRL", c.NvmfTCPMaxQpairsPerCtrl)
	c.NvmfTCPNumSharedBuf = uint32Env("NVMF_TCP_NUM_SHARED_BUF", c.NvmfTCPNumSharedBuf)
	c.NvmfTCPBufCacheSize = uint32Env("NVMF_TCP_BUF_CACHE_SIZE", c.NvmfTCPBufCacheSize)
	c.NvmfAcceptorPollRate = uint32Env("NVMF_ACCEPTOR_POLL_RATE", c.NvmfAcceptorPollRate)
	c.NvmfZcopy = boolEnv("NVMF_ZCOPY", c.NvmfZcopy)

	c.SockRecvBufSize = uint32Env("SOCK_RECV_BUF_SIZE", c.SockRecvBufSize)
	c.SockSendBufSize = uint32Env("SOCK_SEND_BUF_SIZE", c.SockSendBufSize)
	c.SockEnableQuickack = boolEnv("SOCK_ENABLE_QUICKACK", c.SockEnableQuickack)
	c.SockZerocopySendServer = boolEnv("SOCK_ZEROCOPY_SEND_SERVER", c.SockZerocopySendServer)

	c.BdevIoPoolSize = uint32Env("BDEV_IO_POOL_SIZE", c.BdevIoPoolSize)
	c.BdevIoCacheSize = uint32Env("BDEV_IO_CACHE_SIZE", c.BdevIoCacheSize)

	return c
}

func uint32Env(name string, def uint32) uint32 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		klog.Warningf("config: ignoring invalid %s=%q: %v", name, v, err)
		return def
	}
	return uint32(n)
}

func boolEnv(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		klog.Warningf("config: ignoring invalid %s=%q: %v", name, v, err)
		return def
	}
	return b
}

func durationUsEnv(name string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		klog.Warningf("config: ignoring invalid %s=%q: %v", name, v, err)
		return def
	}
	return time.Duration(n) * time.Microsecond
}

func durationMsEnv(name string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		klog.Warningf("config: ignoring invalid %s=%q: %v", name, v, err)
		return def
	}
	return time.Duration(n) * time.Millisecond
}
