// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vnproto

// Binary output groups (zero-based)
const (
	GroupCommon   = 0
	GroupTime     = 1
	GroupImu      = 2
	GroupGnss     = 3
	GroupAttitude = 4
	GroupIns      = 5
	GroupGnss2    = 6
)

// Frequently used Common group fields
const (
	CommonTimeStartup  = 0
	CommonTimeGps      = 1
	CommonTimeSyncIn   = 2
	CommonYawPitchRoll = 3
	CommonQuaternion   = 4
	CommonAngularRate  = 5
	CommonPosition     = 6
	CommonVelocity     = 7
	CommonAccel        = 8
	CommonImu          = 9
	CommonMagPres      = 10
	CommonDeltaTheta   = 11
	CommonInsStatus    = 12
	CommonSyncInCnt    = 13
	CommonTimeGpsPps   = 14
)

func fd(group, field int, name string, typ FieldType, count int, cols ...string) FieldDescriptor {
	return FieldDescriptor{Group: group, Field: field, Name: name, Type: typ, Count: count, Columns: cols}
}

func gnssFields(group int, prefix string) []FieldDescriptor {
	return []FieldDescriptor{
		fd(group, 0, prefix+"TimeUtc", TypeUTC, 1),
		fd(group, 1, prefix+"Tow", TypeU64, 1),
		fd(group, 2, prefix+"Week", TypeU16, 1),
		fd(group, 3, prefix+"NumSats", TypeU8, 1),
		fd(group, 4, prefix+"Fix", TypeU8, 1),
		fd(group, 5, prefix+"PosLla", TypeF64, 3, prefix+"Lat", prefix+"Lon", prefix+"Alt"),
		fd(group, 6, prefix+"PosEcef", TypeF64, 3),
		fd(group, 7, prefix+"VelNed", TypeF32, 3, prefix+"VelN", prefix+"VelE", prefix+"VelD"),
		fd(group, 8, prefix+"VelEcef", TypeF32, 3),
		fd(group, 9, prefix+"PosUncertainty", TypeF32, 3),
		fd(group, 10, prefix+"VelUncertainty", TypeF32, 1),
		fd(group, 11, prefix+"TimeUncertainty", TypeF32, 1),
		fd(group, 12, prefix+"TimeInfo", TypeU16, 1),
		fd(group, 13, prefix+"Dop", TypeF32, 7, prefix+"GDop", prefix+"PDop", prefix+"TDop", prefix+"VDop", prefix+"HDop", prefix+"NDop", prefix+"EDop"),
		fd(group, 17, prefix+"Status", TypeU16, 1),
		fd(group, 18, prefix+"AltMsl", TypeF64, 1),
	}
}

// DefaultDescriptors returns the fixed-size fields of binary groups 0-6.
// Variable-length fields (satellite info, raw measurements) are absent, so
// packets enabling them are reported as malformed.
func DefaultDescriptors() []FieldDescriptor {
	d := []FieldDescriptor{
		fd(GroupCommon, CommonTimeStartup, "TimeStartup", TypeU64, 1),
		fd(GroupCommon, CommonTimeGps, "TimeGps", TypeU64, 1),
		fd(GroupCommon, CommonTimeSyncIn, "TimeSyncIn", TypeU64, 1),
		fd(GroupCommon, CommonYawPitchRoll, "YawPitchRoll", TypeF32, 3, "Yaw", "Pitch", "Roll"),
		fd(GroupCommon, CommonQuaternion, "Quaternion", TypeF32, 4, "QuatX", "QuatY", "QuatZ", "QuatS"),
		fd(GroupCommon, CommonAngularRate, "AngularRate", TypeF32, 3, "GyroX", "GyroY", "GyroZ"),
		fd(GroupCommon, CommonPosition, "Position", TypeF64, 3, "PosLat", "PosLon", "PosAlt"),
		fd(GroupCommon, CommonVelocity, "Velocity", TypeF32, 3, "VelN", "VelE", "VelD"),
		fd(GroupCommon, CommonAccel, "Accel", TypeF32, 3, "AccelX", "AccelY", "AccelZ"),
		fd(GroupCommon, CommonImu, "Imu", TypeF32, 6, "UncompAccX", "UncompAccY", "UncompAccZ", "UncompGyroX", "UncompGyroY", "UncompGyroZ"),
		fd(GroupCommon, CommonMagPres, "MagPres", TypeF32, 5, "MagX", "MagY", "MagZ", "Temperature", "Pressure"),
		fd(GroupCommon, CommonDeltaTheta, "DeltaTheta", TypeF32, 7, "DeltaTime", "DeltaThetaX", "DeltaThetaY", "DeltaThetaZ", "DeltaVelX", "DeltaVelY", "DeltaVelZ"),
		fd(GroupCommon, CommonInsStatus, "InsStatus", TypeU16, 1),
		fd(GroupCommon, CommonSyncInCnt, "SyncInCnt", TypeU32, 1),
		fd(GroupCommon, CommonTimeGpsPps, "TimeGpsPps", TypeU64, 1),

		fd(GroupTime, 0, "TimeStartup", TypeU64, 1),
		fd(GroupTime, 1, "TimeGps", TypeU64, 1),
		fd(GroupTime, 2, "TimeGpsTow", TypeU64, 1),
		fd(GroupTime, 3, "TimeGpsWeek", TypeU16, 1),
		fd(GroupTime, 4, "TimeSyncIn", TypeU64, 1),
		fd(GroupTime, 5, "TimeGpsPps", TypeU64, 1),
		fd(GroupTime, 6, "TimeUtc", TypeUTC, 1),
		fd(GroupTime, 7, "SyncInCnt", TypeU32, 1),
		fd(GroupTime, 8, "SyncOutCnt", TypeU32, 1),
		fd(GroupTime, 9, "TimeStatus", TypeU8, 1),

		fd(GroupImu, 0, "ImuStatus", TypeU16, 1),
		fd(GroupImu, 1, "UncompMag", TypeF32, 3),
		fd(GroupImu, 2, "UncompAccel", TypeF32, 3),
		fd(GroupImu, 3, "UncompGyro", TypeF32, 3),
		fd(GroupImu, 4, "Temperature", TypeF32, 1),
		fd(GroupImu, 5, "Pressure", TypeF32, 1),
		fd(GroupImu, 6, "DeltaTheta", TypeF32, 4, "DeltaTime", "DeltaThetaX", "DeltaThetaY", "DeltaThetaZ"),
		fd(GroupImu, 7, "DeltaVel", TypeF32, 3),
		fd(GroupImu, 8, "Mag", TypeF32, 3),
		fd(GroupImu, 9, "Accel", TypeF32, 3),
		fd(GroupImu, 10, "AngularRate", TypeF32, 3),
		fd(GroupImu, 11, "SensSat", TypeU16, 1),
		fd(GroupImu, 12, "ImuReserved", TypeBytes, 40),

		fd(GroupAttitude, 0, "AttReserved", TypeU16, 1),
		fd(GroupAttitude, 1, "YawPitchRoll", TypeF32, 3, "Yaw", "Pitch", "Roll"),
		fd(GroupAttitude, 2, "Quaternion", TypeF32, 4, "QuatX", "QuatY", "QuatZ", "QuatS"),
		fd(GroupAttitude, 3, "Dcm", TypeF32, 9),
		fd(GroupAttitude, 4, "MagNed", TypeF32, 3),
		fd(GroupAttitude, 5, "AccelNed", TypeF32, 3),
		fd(GroupAttitude, 6, "LinBodyAcc", TypeF32, 3),
		fd(GroupAttitude, 7, "LinAccelNed", TypeF32, 3),
		fd(GroupAttitude, 8, "YprU", TypeF32, 3),
		fd(GroupAttitude, 9, "AttReserved9", TypeBytes, 12),
		fd(GroupAttitude, 10, "AttReserved10", TypeBytes, 28),
		fd(GroupAttitude, 11, "AttReserved11", TypeBytes, 24),
		fd(GroupAttitude, 12, "Heave", TypeF32, 3),
		fd(GroupAttitude, 13, "AttU", TypeF32, 1),

		fd(GroupIns, 0, "InsStatus", TypeU16, 1),
		fd(GroupIns, 1, "PosLla", TypeF64, 3),
		fd(GroupIns, 2, "PosEcef", TypeF64, 3),
		fd(GroupIns, 3, "VelBody", TypeF32, 3),
		fd(GroupIns, 4, "VelNed", TypeF32, 3),
		fd(GroupIns, 5, "VelEcef", TypeF32, 3),
		fd(GroupIns, 6, "MagEcef", TypeF32, 3),
		fd(GroupIns, 7, "AccelEcef", TypeF32, 3),
		fd(GroupIns, 8, "LinAccelEcef", TypeF32, 3),
		fd(GroupIns, 9, "PosU", TypeF32, 1),
		fd(GroupIns, 10, "VelU", TypeF32, 1),
		fd(GroupIns, 11, "InsReserved11", TypeBytes, 68),
		fd(GroupIns, 12, "InsReserved12", TypeBytes, 64),
	}
	d = append(d, gnssFields(GroupGnss, "Gnss1")...)
	d = append(d, gnssFields(GroupGnss2, "Gnss2")...)
	return d
}

// DefaultFieldTable returns a table built from DefaultDescriptors
func DefaultFieldTable() *FieldTable {
	t, err := NewFieldTable(DefaultDescriptors()...)
	if err != nil {
		panic("vnproto: invalid default field table: " + err.Error())
	}
	return t
}
