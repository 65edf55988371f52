package db

import "testing"

func TestPreferenceAllows(t *testing.T) {
	tests := []struct {
		pref      NotificationPreference
		name      string
		notifType string
		want      bool
	}{
		{
			name:      "task_assigned enabled",
			pref:      NotificationPreference{TaskAssigned: true},
			notifType: TypeTaskAssigned,
			want:      true,
		},
		{
			name:      "task_assigned disabled",
			pref:      NotificationPreference{TaskAssigned: false, TaskDue: true},
			notifType: TypeTaskAssigned,
			want:      false,
		},
		{
			name:      "task_due disabled",
			pref:      NotificationPreference{TaskAssigned: true},
			notifType: TypeTaskDue,
			want:      false,
		},
		{
			name:      "status_changed enabled",
			pref:      NotificationPreference{StatusChanged: true},
			notifType: TypeStatusChanged,
			want:      true,
		},
		{
			name:      "unknown types are not gated",
			pref:      NotificationPreference{},
			notifType: "deploy_finished",
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pref.Allows(tt.notifType); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.notifType, got, tt.want)
			}
		})
	}
}
