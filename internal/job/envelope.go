package job

// Envelope is the write-once submission payload delivered to a runner.
// Field names follow the runner wire format.
type Envelope struct {
	RunSpec         RunSpec           `json:"run_spec" yaml:"run_spec"`
	JobSpec         JobSpec           `json:"job_spec" yaml:"job_spec"`
	ClusterInfo     *ClusterInfo      `json:"cluster_info,omitempty" yaml:"cluster_info,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	RepoCredentials *RepoCredentials  `json:"repo_credentials,omitempty" yaml:"repo_credentials,omitempty"`
}

// RunSpec identifies the run a job belongs to.
type RunSpec struct {
	RunName string `json:"run_name" yaml:"run_name"`
	RepoID  string `json:"repo_id,omitempty" yaml:"repo_id,omitempty"`
	RepoDir string `json:"repo_dir,omitempty" yaml:"repo_dir,omitempty"`
}

// JobSpec describes the container a task runs.
type JobSpec struct {
	JobName        string            `json:"job_name" yaml:"job_name"`
	Image          string            `json:"image_name" yaml:"image_name"`
	Registry       *RegistryAuth     `json:"registry_auth,omitempty" yaml:"registry_auth,omitempty"`
	Commands       []string          `json:"commands,omitempty" yaml:"commands,omitempty"`
	Entrypoint     []string          `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	User           string            `json:"user,omitempty" yaml:"user,omitempty"`
	Privileged     bool              `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	NetworkMode    string            `json:"network_mode,omitempty" yaml:"network_mode,omitempty"`
	Resources      Resources         `json:"resources" yaml:"resources"`
	MaxDuration    int               `json:"max_duration,omitempty" yaml:"max_duration,omitempty"` // seconds, 0 = unlimited
	Ports          []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	Volumes        []Volume          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	VolumeMounts   []VolumeMount     `json:"volume_mounts,omitempty" yaml:"volume_mounts,omitempty"`
	InstanceMounts []InstanceMount   `json:"instance_mounts,omitempty" yaml:"instance_mounts,omitempty"`
}

// RegistryAuth holds container registry credentials.
type RegistryAuth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Resources bounds what the task container may use.
type Resources struct {
	CPU        float64 `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryMiB  int64   `json:"memory_mib,omitempty" yaml:"memory_mib,omitempty"`
	ShmSizeMiB int64   `json:"shm_size_mib,omitempty" yaml:"shm_size_mib,omitempty"`
	GPU        int     `json:"gpu,omitempty" yaml:"gpu,omitempty"`
}

// Volume is a backend volume attached to the instance.
type Volume struct {
	Backend    string `json:"backend" yaml:"backend"`
	Name       string `json:"name" yaml:"name"`
	VolumeID   string `json:"volume_id" yaml:"volume_id"`
	InitFS     bool   `json:"init_fs" yaml:"init_fs"`
	DeviceName string `json:"device_name,omitempty" yaml:"device_name,omitempty"`
}

// VolumeMount mounts a named volume into the container.
type VolumeMount struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// InstanceMount bind-mounts a host path into the container.
type InstanceMount struct {
	InstancePath string `json:"instance_path" yaml:"instance_path"`
	Path         string `json:"path" yaml:"path"`
}

// ClusterInfo carries peer topology for multi-node jobs.
type ClusterInfo struct {
	JobIPs      []string `json:"job_ips" yaml:"job_ips"`
	MasterJobIP string   `json:"master_job_ip" yaml:"master_job_ip"`
	GPUsPerJob  int      `json:"gpus_per_job" yaml:"gpus_per_job"`
}

// RepoCredentials grant the runner access to the job's repository.
type RepoCredentials struct {
	CloneURL   string `json:"clone_url" yaml:"clone_url"`
	PrivateKey string `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	OAuthToken string `json:"oauth_token,omitempty" yaml:"oauth_token,omitempty"`
}

// Metrics is a resource usage sample reported by a runner.
type Metrics struct {
	TimestampMicro        int64        `json:"timestamp_micro"`
	CPUUsageMicro         int64        `json:"cpu_usage_micro"`
	MemoryUsageBytes      int64        `json:"memory_usage_bytes"`
	MemoryWorkingSetBytes int64        `json:"memory_working_set_bytes"`
	GPUs                  []GPUMetrics `json:"gpus"`
}

// GPUMetrics is the per-GPU part of a metrics sample.
type GPUMetrics struct {
	GPUMemoryUsageBytes int64 `json:"gpu_memory_usage_bytes"`
	GPUUtilPercent      int   `json:"gpu_util_percent"`
}

// MetricsReport is a runner sample plus derived values.
type MetricsReport struct {
	Metrics
	CPUUsagePercent int `json:"cpu_usage_percent"`
}

// CPUPercent derives CPU utilization from two cumulative samples.
// Returns 0 when the window is empty or the counter went backwards.
func CPUPercent(prev, cur *Metrics) int {
	if prev == nil || cur == nil {
		return 0
	}
	window := cur.TimestampMicro - prev.TimestampMicro
	used := cur.CPUUsageMicro - prev.CPUUsageMicro
	if window <= 0 || used < 0 {
		return 0
	}
	return int(float64(used)/float64(window)*100 + 0.5)
}
