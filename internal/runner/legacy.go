package runner

import (
	"jobsupervisor/internal/job"
	"jobsupervisor/internal/protocol"

	"github.com/google/uuid"
)

// envelopeFromLegacy rebuilds an envelope from the flat legacy submission.
// The container name doubles as the task ID.
func envelopeFromLegacy(body *protocol.LegacySubmitBody) (string, *job.Envelope) {
	taskID := body.ContainerName
	if taskID == "" {
		taskID = uuid.NewString()
	}

	spec := job.JobSpec{
		JobName:        body.ContainerName,
		Image:          body.ImageName,
		Commands:       body.Commands,
		Env:            body.Env,
		WorkingDir:     body.WorkingDir,
		User:           body.ContainerUser,
		Privileged:     body.Privileged,
		Resources:      job.Resources{ShmSizeMiB: body.ShmSize >> 20},
		Volumes:        body.Volumes,
		VolumeMounts:   body.Mounts,
		InstanceMounts: body.InstanceMounts,
	}
	if body.Username != "" || body.Password != "" {
		spec.Registry = &job.RegistryAuth{Username: body.Username, Password: body.Password}
	}
	return taskID, &job.Envelope{JobSpec: spec}
}
