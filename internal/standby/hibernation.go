package standby

import "time"

// InstanceStatus is the outcome of UpdateInstanceStatus, mirroring
// AutoHibernationManager.update_instance_status's result dict.
type InstanceStatus struct {
	ShouldHibernate      bool
	SecondsUntilHibernate int
}

// UpdateInstanceStatus feeds a heartbeat's observed GPU utilization into the
// per-instance idle timer, grounded on agent.py's call into
// AutoHibernationManager.update_instance_status (gpu_threshold=5.0). It is
// independent of the failover health-check loop: a GPU can be healthy and
// reachable yet idle enough to hibernate.
func (m *Manager) UpdateInstanceStatus(instanceID string, gpuUtilization float64) InstanceStatus {
	if !m.cfg.AutoStandbyEnabled {
		return InstanceStatus{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idle := gpuUtilization < m.cfg.HibernateGPUThreshold
	since, tracked := m.idleSince[instanceID]
	if !idle {
		delete(m.idleSince, instanceID)
		return InstanceStatus{}
	}
	if !tracked {
		m.idleSince[instanceID] = time.Now().UTC()
		return InstanceStatus{}
	}

	elapsed := time.Since(since)
	if elapsed < m.cfg.HibernateIdleDelay {
		remaining := m.cfg.HibernateIdleDelay - elapsed
		return InstanceStatus{SecondsUntilHibernate: int(remaining.Seconds())}
	}
	return InstanceStatus{ShouldHibernate: true, SecondsUntilHibernate: 0}
}

// ClearIdleTracking forgets instanceID's idle timer, used once hibernation
// or destruction has actually happened so a stale timer doesn't leak.
func (m *Manager) ClearIdleTracking(instanceID string) {
	m.mu.Lock()
	delete(m.idleSince, instanceID)
	m.mu.Unlock()
}
