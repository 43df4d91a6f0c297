// Package sd maps profiled processes to the label sets their profiles are
// pushed under. Targets come from discovery (by pid or container id); a
// default target catches everything else unless the options say targets
// only.
package sd

import (
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
)

type DiscoveryTarget map[string]string

func (t *DiscoveryTarget) DebugString() string {
	var b strings.Builder
	b.WriteByte('{')
	for k, v := range *t {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte(',')
	}
	b.WriteByte('}')
	return b.String()
}

const (
	labelContainerID    = "__container_id__"
	labelPID            = "__process_pid__"
	labelProcessName    = "__process_name__"
	labelServiceName    = "service_name"
	labelServiceNameK8s = "__meta_kubernetes_pod_annotation_pyroscope_io_service_name"
	metricValue         = "process_cpu"
)

type Target struct {
	labels                labels.Labels
	serviceName           string
	fingerprint           uint64
	fingerprintCalculated bool
}

func NewTargetForTesting(cid string, pid string, target DiscoveryTarget) *Target {
	return NewTarget(containerID(cid), pid, "", target)
}

func NewTarget(cid containerID, pid string, name string, target DiscoveryTarget) *Target {
	serviceName := target[labelServiceName]
	if serviceName == "" {
		serviceName = inferServiceName(name, target)
	}

	lset := make(map[string]string, len(target))
	for k, v := range target {
		if strings.HasPrefix(k, model.ReservedLabelPrefix) && k != labels.MetricName {
			continue
		}
		lset[k] = v
	}
	if lset[labels.MetricName] == "" {
		lset[labels.MetricName] = metricValue
	}
	if lset[labelServiceName] == "" {
		lset[labelServiceName] = serviceName
	}
	if cid != "" {
		lset[labelContainerID] = string(cid)
	}
	if pid != "" {
		lset[labelPID] = pid
	}
	if name != "" {
		lset[labelProcessName] = name
	}
	return &Target{
		labels:      labels.FromMap(lset),
		serviceName: serviceName,
	}
}

func (t *Target) ServiceName() string {
	return t.serviceName
}

// LabelsForProcess builds the label set a process gets when no discovery
// target claims it: service_name inferred from the process name plus the
// pid label.
func LabelsForProcess(pid string, name string) labels.Labels {
	_, lbls := NewTarget("", pid, name, nil).Labels()
	return lbls
}

func inferServiceName(name string, target DiscoveryTarget) string {
	k8sServiceName := target[labelServiceNameK8s]
	if k8sServiceName != "" {
		return k8sServiceName
	}
	k8sNamespace := target["__meta_kubernetes_namespace"]
	k8sContainer := target["__meta_kubernetes_pod_container_name"]
	if k8sNamespace != "" && k8sContainer != "" {
		return fmt.Sprintf("cpu/%s/%s", k8sNamespace, k8sContainer)
	}
	dockerContainer := target["__meta_docker_container_name"]
	if dockerContainer != "" {
		return dockerContainer
	}
	if name != "" {
		return "cpu/" + name
	}
	return "unspecified"
}

func (t *Target) Labels() (uint64, labels.Labels) {
	if !t.fingerprintCalculated {
		t.fingerprint = t.labels.Hash()
		t.fingerprintCalculated = true
	}
	return t.fingerprint, t.labels
}

func (t *Target) String() string {
	return t.labels.String()
}

func (t *Target) Get(k string) (string, bool) {
	v := t.labels.Get(k)
	return v, v != ""
}

type containerID string

// TargetFinder resolves a process to its push target. FindTarget returns
// nil when the process matches nothing and no default target is set.
type TargetFinder interface {
	FindTarget(pid string, name string) *Target
	RemoveDeadPID(pid string)
	DebugInfo() []map[string]string
	Update(args TargetsOptions)
}

type TargetsOptions struct {
	Targets            []DiscoveryTarget
	TargetsOnly        bool
	DefaultTarget      DiscoveryTarget
	ContainerCacheSize int
}

type targetFinder struct {
	l          log.Logger
	cid2target map[containerID]*Target
	pid2target map[string]*Target

	containerIDCache *lru.Cache[string, containerID]
	defaultTarget    DiscoveryTarget
	targetsOnly      bool
	fs               fs.FS

	sync sync.Mutex
}

func NewTargetFinder(fs fs.FS, l log.Logger, options TargetsOptions) (TargetFinder, error) {
	cacheSize := options.ContainerCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	containerIDCache, err := lru.New[string, containerID](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("containerIDCache create: %w", err)
	}
	res := &targetFinder{
		l:                l,
		containerIDCache: containerIDCache,
		fs:               fs,
	}
	res.setTargets(options)
	return res, nil
}

func (tf *targetFinder) FindTarget(pid string, name string) *Target {
	tf.sync.Lock()
	defer tf.sync.Unlock()
	res := tf.findTarget(pid)
	if res != nil {
		return res
	}
	if tf.targetsOnly {
		return nil
	}
	return NewTarget("", pid, name, tf.defaultTarget)
}

func (tf *targetFinder) RemoveDeadPID(pid string) {
	tf.sync.Lock()
	defer tf.sync.Unlock()
	tf.containerIDCache.Remove(pid)
	delete(tf.pid2target, pid)
}

func (tf *targetFinder) Update(args TargetsOptions) {
	tf.sync.Lock()
	defer tf.sync.Unlock()
	tf.setTargets(args)
	if args.ContainerCacheSize > 0 {
		tf.containerIDCache.Resize(args.ContainerCacheSize)
	}
}

func (tf *targetFinder) setTargets(opts TargetsOptions) {
	_ = level.Debug(tf.l).Log("msg", "set targets", "count", len(opts.Targets))
	containerID2Target := make(map[containerID]*Target)
	pid2Target := make(map[string]*Target)
	for _, target := range opts.Targets {
		if pid := target[labelPID]; pid != "" {
			pid2Target[pid] = NewTarget("", pid, target[labelProcessName], target)
		} else if cid := containerIDFromTarget(target); cid != "" {
			containerID2Target[cid] = NewTarget(cid, "", "", target)
		}
	}
	if len(opts.Targets) > 0 && len(containerID2Target) == 0 && len(pid2Target) == 0 {
		_ = level.Warn(tf.l).Log("msg", "no targets found")
	}
	tf.cid2target = containerID2Target
	tf.pid2target = pid2Target
	tf.defaultTarget = opts.DefaultTarget
	tf.targetsOnly = opts.TargetsOnly
	_ = level.Debug(tf.l).Log("msg", "created targets", "cid2target", len(tf.cid2target), "pid2target", len(tf.pid2target))
}

func (tf *targetFinder) findTarget(pid string) *Target {
	if target, ok := tf.pid2target[pid]; ok {
		return target
	}
	cid, ok := tf.containerIDCache.Get(pid)
	if !ok {
		cid = tf.getContainerIDFromPID(pid)
		tf.containerIDCache.Add(pid, cid)
	}
	return tf.cid2target[cid]
}

func (tf *targetFinder) DebugInfo() []map[string]string {
	tf.sync.Lock()
	defer tf.sync.Unlock()

	debugTargets := make([]map[string]string, 0, len(tf.cid2target)+len(tf.pid2target))
	for _, target := range tf.cid2target {
		_, ls := target.Labels()
		debugTargets = append(debugTargets, ls.Map())
	}
	for _, target := range tf.pid2target {
		_, ls := target.Labels()
		debugTargets = append(debugTargets, ls.Map())
	}
	return debugTargets
}

func containerIDFromTarget(target DiscoveryTarget) containerID {
	cid, ok := target[labelContainerID]
	if ok && cid != "" {
		return containerID(cid)
	}
	cid, ok = target["__meta_kubernetes_pod_container_id"]
	if ok && cid != "" {
		return getContainerIDFromK8S(cid)
	}
	cid, ok = target["__meta_docker_container_id"]
	if ok && cid != "" {
		return containerID(cid)
	}
	return ""
}

var knownContainerIDPrefixes = []string{"docker://", "containerd://", "cri-o://"}

func getContainerIDFromK8S(k8sContainerID string) containerID {
	for _, prefix := range knownContainerIDPrefixes {
		if strings.HasPrefix(k8sContainerID, prefix) {
			return containerID(strings.TrimPrefix(k8sContainerID, prefix))
		}
	}
	return ""
}
