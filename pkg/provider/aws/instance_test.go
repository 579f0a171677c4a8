package aws

import "testing"

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func baseVolume() volumeAttrs {
	return volumeAttrs{
		DeviceName: "/dev/xvdb",
		VolumeType: "gp3",
		VolumeSize: 100,
		Encrypted:  true,
	}
}

func TestVolumeSetDiffers_Equal(t *testing.T) {
	want := []volumeAttrs{baseVolume()}
	live := []volumeAttrs{baseVolume()}

	if volumeSetDiffers(want, live) {
		t.Error("Identical sets must not differ")
	}
}

func TestVolumeSetDiffers_OrderIndependent(t *testing.T) {
	second := baseVolume()
	second.DeviceName = "/dev/xvdc"

	want := []volumeAttrs{baseVolume(), second}
	live := []volumeAttrs{second, baseVolume()}

	if volumeSetDiffers(want, live) {
		t.Error("Attachment order must not count as a difference")
	}
}

func TestVolumeSetDiffers_AddedVolume(t *testing.T) {
	second := baseVolume()
	second.DeviceName = "/dev/xvdc"

	if !volumeSetDiffers([]volumeAttrs{baseVolume(), second}, []volumeAttrs{baseVolume()}) {
		t.Error("An added volume must differ")
	}
	if !volumeSetDiffers([]volumeAttrs{baseVolume()}, []volumeAttrs{baseVolume(), second}) {
		t.Error("A removed volume must differ")
	}
}

func TestVolumeSetDiffers_ChangedFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*volumeAttrs)
	}{
		{"device", func(v *volumeAttrs) { v.DeviceName = "/dev/xvdz" }},
		{"type", func(v *volumeAttrs) { v.VolumeType = "io1" }},
		{"size", func(v *volumeAttrs) { v.VolumeSize = 200 }},
		{"encrypted", func(v *volumeAttrs) { v.Encrypted = false }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want := baseVolume()
			tc.mutate(&want)
			if !volumeSetDiffers([]volumeAttrs{want}, []volumeAttrs{baseVolume()}) {
				t.Errorf("Changed %s must differ", tc.name)
			}
		})
	}
}

func TestVolumeSetDiffers_UnsetOptionalsIgnoreLiveDefaults(t *testing.T) {
	// EC2 reports gp3 defaults even when the configuration never set them.
	live := baseVolume()
	live.IOPS = intPtr(3000)
	live.Throughput = intPtr(125)
	live.DeleteOnTermination = boolPtr(true)

	if volumeSetDiffers([]volumeAttrs{baseVolume()}, []volumeAttrs{live}) {
		t.Error("Service defaults for unset optionals must not differ")
	}
}

func TestVolumeSetDiffers_ExplicitOptionals(t *testing.T) {
	want := baseVolume()
	want.IOPS = intPtr(4000)
	live := baseVolume()
	live.IOPS = intPtr(3000)

	if !volumeSetDiffers([]volumeAttrs{want}, []volumeAttrs{live}) {
		t.Error("An explicit iops change must differ")
	}

	want = baseVolume()
	want.DeleteOnTermination = boolPtr(false)
	live = baseVolume()
	live.DeleteOnTermination = boolPtr(true)

	if !volumeSetDiffers([]volumeAttrs{want}, []volumeAttrs{live}) {
		t.Error("An explicit delete_on_termination change must differ")
	}
}
