package sd

import (
	"testing"
	"testing/fstest"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func testFinder(t *testing.T, fs fstest.MapFS, options TargetsOptions) TargetFinder {
	tf, err := NewTargetFinder(fs, log.NewNopLogger(), options)
	require.NoError(t, err)
	return tf
}

func TestFindTargetByPid(t *testing.T) {
	tf := testFinder(t, fstest.MapFS{}, TargetsOptions{
		Targets: []DiscoveryTarget{
			{labelPID: "239", labelServiceName: "foo"},
		},
		TargetsOnly: true,
	})
	target := tf.FindTarget("239", "bash")
	require.NotNil(t, target)
	require.Equal(t, "foo", target.ServiceName())
	pid, ok := target.Get(labelPID)
	require.True(t, ok)
	require.Equal(t, "239", pid)

	require.Nil(t, tf.FindTarget("240", "bash"))
}

func TestFindTargetByContainer(t *testing.T) {
	cgroup := "11:devices:/kubepods/besteffort/pod85adbef3-622f-4ef2-8f60-a8bdf3eb6c72/" +
		"7edda1de1e0d1d366351e478359cf5fa16bb8ab53063a99bb119e56971bfb7e2\n"
	fs := fstest.MapFS{
		"proc/239/cgroup": &fstest.MapFile{Data: []byte(cgroup)},
	}
	tf := testFinder(t, fs, TargetsOptions{
		Targets: []DiscoveryTarget{
			{
				labelContainerID: "7edda1de1e0d1d366351e478359cf5fa16bb8ab53063a99bb119e56971bfb7e2",
				labelServiceName: "payments",
			},
		},
		TargetsOnly: true,
	})
	target := tf.FindTarget("239", "java")
	require.NotNil(t, target)
	require.Equal(t, "payments", target.ServiceName())

	require.Nil(t, tf.FindTarget("1", "init"))
}

func TestDefaultTargetInfersServiceName(t *testing.T) {
	tf := testFinder(t, fstest.MapFS{}, TargetsOptions{})
	target := tf.FindTarget("42", "nginx")
	require.NotNil(t, target)
	require.Equal(t, "cpu/nginx", target.ServiceName())
	_, ls := target.Labels()
	require.Equal(t, "process_cpu", ls.Get("__name__"))
	require.Equal(t, "42", ls.Get(labelPID))
}

func TestNewTargetDropsReservedLabels(t *testing.T) {
	target := NewTargetForTesting("cid", "1", DiscoveryTarget{
		"__meta_kubernetes_namespace":          "ns",
		"__meta_kubernetes_pod_container_name": "app",
		"foo":                                  "bar",
	})
	_, ls := target.Labels()
	require.Equal(t, "", ls.Get("__meta_kubernetes_namespace"))
	require.Equal(t, "bar", ls.Get("foo"))
	require.Equal(t, "cpu/ns/app", target.ServiceName())
}

func TestTargetFingerprintIsStable(t *testing.T) {
	target := NewTargetForTesting("", "7", DiscoveryTarget{labelServiceName: "svc"})
	f1, _ := target.Labels()
	f2, _ := target.Labels()
	require.Equal(t, f1, f2)
}

func TestUpdateReplacesTargets(t *testing.T) {
	tf := testFinder(t, fstest.MapFS{}, TargetsOptions{
		Targets:     []DiscoveryTarget{{labelPID: "1", labelServiceName: "old"}},
		TargetsOnly: true,
	})
	tf.Update(TargetsOptions{
		Targets:     []DiscoveryTarget{{labelPID: "2", labelServiceName: "new"}},
		TargetsOnly: true,
	})
	require.Nil(t, tf.FindTarget("1", ""))
	target := tf.FindTarget("2", "")
	require.NotNil(t, target)
	require.Equal(t, "new", target.ServiceName())
}

func TestGetContainerIDFromK8S(t *testing.T) {
	testcases := []struct {
		in       string
		expected containerID
	}{
		{"docker://8217702f6b0b73b3a00297eefca8a364a01b4e71b9b21cfea14a4b2837a57d62", "8217702f6b0b73b3a00297eefca8a364a01b4e71b9b21cfea14a4b2837a57d62"},
		{"containerd://8217702f6b0b73b3a00297eefca8a364a01b4e71b9b21cfea14a4b2837a57d62", "8217702f6b0b73b3a00297eefca8a364a01b4e71b9b21cfea14a4b2837a57d62"},
		{"cri-o://8217702f6b0b73b3a00297eefca8a364a01b4e71b9b21cfea14a4b2837a57d62", "8217702f6b0b73b3a00297eefca8a364a01b4e71b9b21cfea14a4b2837a57d62"},
		{"rkt://whatever", ""},
	}
	for _, tc := range testcases {
		require.Equal(t, tc.expected, getContainerIDFromK8S(tc.in))
	}
}

func TestLabelsForProcess(t *testing.T) {
	lbls := LabelsForProcess("239", "bash")
	require.Equal(t, "cpu/bash", lbls.Get(labelServiceName))
	require.Equal(t, "239", lbls.Get(labelPID))
	require.Equal(t, "bash", lbls.Get(labelProcessName))

	unnamed := LabelsForProcess("7", "")
	require.Equal(t, "unspecified", unnamed.Get(labelServiceName))
}

func TestTargetFilter(t *testing.T) {
	testcases := []struct {
		name     string
		filter   *TargetFilter
		pid      string
		procName string
		admitted bool
	}{
		{"nil filter admits", nil, "1", "bash", true},
		{"empty filter admits", &TargetFilter{}, "1", "bash", true},
		{"pid match", &TargetFilter{Pids: []string{"1", "2"}}, "2", "", true},
		{"pid mismatch", &TargetFilter{Pids: []string{"1", "2"}}, "3", "", false},
		{"name substring match", &TargetFilter{Names: []string{"fire"}}, "1", "firefox", true},
		{"name mismatch", &TargetFilter{Names: []string{"fire"}}, "1", "bash", false},
		{"unknown name passes name rules", &TargetFilter{Names: []string{"fire"}}, "1", "", true},
		{"pid and name both required", &TargetFilter{Pids: []string{"1"}, Names: []string{"fire"}}, "1", "bash", false},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.admitted, tc.filter.Admit(tc.pid, tc.procName))
		})
	}
}
