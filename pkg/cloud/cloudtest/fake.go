// Package cloudtest provides in-memory cloud.Compute and cloud.ObjectStore
// implementations with failure injection, for tests.
package cloudtest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lmeireles/snapex/pkg/cloud"
)

// Compute is an in-memory cloud.Compute.
type Compute struct {
	mu sync.Mutex

	Zones     map[string][]string // region -> zones
	Address   string
	Principal string

	// Capacity lists profiles rejected with a *cloud.CapacityError.
	Capacity map[string]bool
	// Fail injects an error for an operation name ("CreateDevice",
	// "CreateInstance:<profile>", "DeleteInstance", ...).
	Fail map[string]error

	// Before, when set, runs ahead of CreateDevice and CreateInstance with
	// the operation name, outside the lock. It may block.
	Before func(ctx context.Context, op string)

	Devices   map[string]string // name -> zone
	Instances map[string]string // name -> profile
	Attached  map[string]string // device -> instance
	Calls     []string
}

// NewCompute returns a Compute with one region "us-central1".
func NewCompute() *Compute {
	return &Compute{
		Zones:     map[string][]string{"us-central1": {"us-central1-a", "us-central1-b"}},
		Address:   "203.0.113.10",
		Principal: "123-compute@developer.gserviceaccount.com",
		Capacity:  map[string]bool{},
		Fail:      map[string]error{},
		Devices:   map[string]string{},
		Instances: map[string]string{},
		Attached:  map[string]string{},
	}
}

func (c *Compute) record(op string) error {
	c.Calls = append(c.Calls, op)
	if err, ok := c.Fail[op]; ok {
		return err
	}
	return nil
}

// CallCount returns how many times op was called.
func (c *Compute) CallCount(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.Calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

// Live returns the number of devices and instances that still exist.
func (c *Compute) Live() (devices, instances int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Devices), len(c.Instances)
}

func (c *Compute) Provider() string { return "fake" }

func (c *Compute) SelectZone(ctx context.Context, region string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("SelectZone"); err != nil {
		return "", err
	}
	zones := c.Zones[region]
	if len(zones) == 0 {
		return "", cloud.ErrNoZone
	}
	return zones[0], nil
}

func (c *Compute) Identity(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("Identity"); err != nil {
		return "", err
	}
	return c.Principal, nil
}

func (c *Compute) CreateDevice(ctx context.Context, spec cloud.DeviceSpec) (string, error) {
	if c.Before != nil {
		c.Before(ctx, "CreateDevice")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreateDevice"); err != nil {
		return "", err
	}
	if _, ok := c.Devices[spec.Name]; ok {
		return spec.Name, cloud.ErrAlreadyExists
	}
	c.Devices[spec.Name] = spec.Zone
	return spec.Name, nil
}

func (c *Compute) CreateInstance(ctx context.Context, spec cloud.InstanceSpec) (string, error) {
	if c.Before != nil {
		c.Before(ctx, "CreateInstance:"+spec.Profile)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreateInstance:" + spec.Profile); err != nil {
		return "", err
	}
	if c.Capacity[spec.Profile] {
		return "", &cloud.CapacityError{Profile: spec.Profile, Code: "ZONE_RESOURCE_POOL_EXHAUSTED", Err: fmt.Errorf("no capacity")}
	}
	if _, ok := c.Instances[spec.Name]; ok {
		return spec.Name, cloud.ErrAlreadyExists
	}
	c.Instances[spec.Name] = spec.Profile
	return spec.Name, nil
}

func (c *Compute) AttachDevice(ctx context.Context, zone, instance, device, deviceName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("AttachDevice"); err != nil {
		return "", err
	}
	if _, ok := c.Instances[instance]; !ok {
		return "", cloud.ErrNotFound
	}
	if _, ok := c.Devices[device]; !ok {
		return "", cloud.ErrNotFound
	}
	c.Attached[device] = instance
	return "/dev/disk/by-id/google-" + deviceName, nil
}

func (c *Compute) InstanceAddress(ctx context.Context, zone, instance string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("InstanceAddress"); err != nil {
		return "", err
	}
	if _, ok := c.Instances[instance]; !ok {
		return "", cloud.ErrNotFound
	}
	return c.Address, nil
}

func (c *Compute) DetachDevice(ctx context.Context, zone, instance, device, deviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("DetachDevice"); err != nil {
		return err
	}
	if c.Attached[device] != instance || instance == "" {
		return cloud.ErrNotFound
	}
	delete(c.Attached, device)
	return nil
}

func (c *Compute) DeleteInstance(ctx context.Context, zone, instance string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("DeleteInstance"); err != nil {
		return err
	}
	if _, ok := c.Instances[instance]; !ok {
		return cloud.ErrNotFound
	}
	delete(c.Instances, instance)
	for dev, inst := range c.Attached {
		if inst == instance {
			delete(c.Attached, dev)
		}
	}
	return nil
}

func (c *Compute) DeleteDevice(ctx context.Context, zone, device string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("DeleteDevice"); err != nil {
		return err
	}
	if _, ok := c.Devices[device]; !ok {
		return cloud.ErrNotFound
	}
	if _, attached := c.Attached[device]; attached {
		return fmt.Errorf("device %s is in use", device)
	}
	delete(c.Devices, device)
	return nil
}

// Store is an in-memory cloud.ObjectStore.
type Store struct {
	mu sync.Mutex

	Buckets map[string]map[string][]byte
	Grants  map[string][]string
	Fail    map[string]error
	Calls   []string

	// DownloadLimit, when > 0, makes Download fail after writing that many
	// bytes in a single call, simulating an interrupted transfer.
	DownloadLimit int64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		Buckets: map[string]map[string][]byte{},
		Grants:  map[string][]string{},
		Fail:    map[string]error{},
	}
}

func (s *Store) record(op string) error {
	s.Calls = append(s.Calls, op)
	if err, ok := s.Fail[op]; ok {
		return err
	}
	return nil
}

// Put stores an object, creating the bucket if needed.
func (s *Store) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Buckets[bucket] == nil {
		s.Buckets[bucket] = map[string][]byte{}
	}
	s.Buckets[bucket][key] = data
}

// HasBucket reports whether bucket exists.
func (s *Store) HasBucket(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Buckets[bucket]
	return ok
}

func (s *Store) Scheme() string { return "mem" }

func (s *Store) CreateBucket(ctx context.Context, bucket, region string, labels map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateBucket"); err != nil {
		return err
	}
	if _, ok := s.Buckets[bucket]; ok {
		return cloud.ErrAlreadyExists
	}
	s.Buckets[bucket] = map[string][]byte{}
	return nil
}

func (s *Store) GrantWriter(ctx context.Context, bucket, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GrantWriter"); err != nil {
		return err
	}
	if _, ok := s.Buckets[bucket]; !ok {
		return cloud.ErrNotFound
	}
	s.Grants[bucket] = append(s.Grants[bucket], principal)
	return nil
}

func (s *Store) List(ctx context.Context, bucket, prefix string) ([]cloud.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("List"); err != nil {
		return nil, err
	}
	objs, ok := s.Buckets[bucket]
	if !ok {
		return nil, cloud.ErrNotFound
	}
	var out []cloud.Object
	for k, v := range objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, cloud.Object{Key: k, Size: int64(len(v)), Updated: time.Unix(0, 0)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("Exists"); err != nil {
		return false, err
	}
	_, ok := s.Buckets[bucket][key]
	return ok, nil
}

func (s *Store) Download(ctx context.Context, bucket, key, localPath string, offset int64) (*cloud.DownloadResult, error) {
	s.mu.Lock()
	data, ok := s.Buckets[bucket][key]
	err := s.record("Download")
	limit := s.DownloadLimit
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cloud.ErrNotFound
	}
	if offset > int64(len(data)) {
		return nil, fmt.Errorf("offset %d beyond object size %d", offset, len(data))
	}

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rest := data[offset:]
	interrupted := false
	if limit > 0 && int64(len(rest)) > limit {
		rest = rest[:limit]
		interrupted = true
	}
	if _, err := f.Write(rest); err != nil {
		return nil, err
	}
	if interrupted {
		return nil, fmt.Errorf("connection reset after %d bytes", limit)
	}

	sum := sha256.Sum256(data)
	return &cloud.DownloadResult{
		LocalPath: localPath,
		SHA256:    hex.EncodeToString(sum[:]),
		Size:      int64(len(data)),
		Resumed:   offset,
	}, nil
}

func (s *Store) DeletePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DeletePrefix"); err != nil {
		return 0, err
	}
	objs, ok := s.Buckets[bucket]
	if !ok {
		return 0, cloud.ErrNotFound
	}
	n := 0
	for k := range objs {
		if strings.HasPrefix(k, prefix) {
			delete(objs, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DeleteBucket"); err != nil {
		return err
	}
	objs, ok := s.Buckets[bucket]
	if !ok {
		return cloud.ErrNotFound
	}
	if len(objs) > 0 {
		return fmt.Errorf("bucket %s is not empty", bucket)
	}
	delete(s.Buckets, bucket)
	return nil
}

// Object returns the content of key, for assertions.
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.Buckets[bucket][key]
	return bytes.Clone(data), ok
}
