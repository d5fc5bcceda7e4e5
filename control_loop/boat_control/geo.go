package control

import (
	"fmt"
	"math"
)

// EarthRadiusM is the mean spherical earth radius used for all great-circle math.
const EarthRadiusM = 6371000.0

// GeoPosition is a WGS84 latitude/longitude pair in degrees.
type GeoPosition struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Validate rejects non-finite or out-of-domain coordinates.
func (p GeoPosition) Validate() error {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) || math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) {
		return fmt.Errorf("position %v,%v is not finite", p.Latitude, p.Longitude)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %.7f outside ±90", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %.7f outside ±180", p.Longitude)
	}
	return nil
}

func (p GeoPosition) String() string {
	return fmt.Sprintf("%.7f,%.7f", p.Latitude, p.Longitude)
}

// BearingFix is the per-tick correction toward the waypoint.
// Positive RelativeBearingDeg means the target lies to starboard.
type BearingFix struct {
	DistanceM          int `json:"distance_m"`
	RelativeBearingDeg int `json:"relative_bearing_deg"`
}

// NormalizeDegrees wraps an angle into (-180, 180].
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}

// RelativeHeading corrects a raw compass heading (0..360) by the north-yaw reference.
func RelativeHeading(currentHeadingDeg, northYawDeg float64) float64 {
	return NormalizeDegrees(math.Mod(currentHeadingDeg, 360) - northYawDeg)
}

// InitialBearing returns the forward azimuth from origin to dest in degrees, (-180, 180].
func InitialBearing(origin, dest GeoPosition) float64 {
	phi1 := toRadians(origin.Latitude)
	phi2 := toRadians(dest.Latitude)
	dLambda := toRadians(dest.Longitude - origin.Longitude)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return toDegrees(math.Atan2(y, x))
}

// HaversineDistance returns the great-circle distance in meters.
func HaversineDistance(origin, dest GeoPosition) float64 {
	phi1 := toRadians(origin.Latitude)
	phi2 := toRadians(dest.Latitude)
	dPhi := phi2 - phi1
	dLambda := toRadians(dest.Longitude - origin.Longitude)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// BearingAndDistance computes how far the waypoint is and how far to turn toward it.
// Both outputs are truncated toward zero, matching the granularity of the motor commands.
func BearingAndDistance(origin, dest GeoPosition, northYawDeg, currentHeadingDeg float64) BearingFix {
	heading := RelativeHeading(currentHeadingDeg, northYawDeg)
	bearing := InitialBearing(origin, dest)
	rel := NormalizeDegrees(math.Mod(bearing-heading+360, 360))

	return BearingFix{
		DistanceM:          int(HaversineDistance(origin, dest)),
		RelativeBearingDeg: int(rel),
	}
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }
