package common

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// Datasets (collections) of the source catalog
const (
	DatasetOTL1  = "landsat_ot_c2_l1"
	DatasetOTL2  = "landsat_ot_c2_l2"
	DatasetETML1 = "landsat_etm_c2_l1"
	DatasetETML2 = "landsat_etm_c2_l2"
	DatasetTML1  = "landsat_tm_c2_l1"
	DatasetTML2  = "landsat_tm_c2_l2"
	DatasetMSSL1 = "landsat_mss_c2_l1"
)

var datasetFullNames = map[string]string{
	DatasetOTL1:  "Landsat 8-9 OLI/TIRS C2 L1",
	DatasetOTL2:  "Landsat 8-9 OLI/TIRS C2 L2",
	DatasetETML1: "Landsat 7 ETM+ C2 L1",
	DatasetETML2: "Landsat 7 ETM+ C2 L2",
	DatasetTML1:  "Landsat 4-5 TM C2 L1",
	DatasetTML2:  "Landsat 4-5 TM C2 L2",
	DatasetMSSL1: "Landsat 1-5 MSS C2 L1",
}

// Sensor families, as found in the dataset name
const (
	SensorOT  = "ot"
	SensorETM = "etm"
	SensorTM  = "tm"
	SensorMSS = "mss"
)

// DatasetFullName returns the human readable name of the dataset
func DatasetFullName(dataset string) (string, error) {
	if n, ok := datasetFullNames[dataset]; ok {
		return n, nil
	}
	return "", fmt.Errorf("DatasetFullName: unknown dataset: %s", dataset)
}

// DatasetSensor returns the sensor family of the dataset (landsat_<sensor>_c2_<level>)
func DatasetSensor(dataset string) string {
	parts := strings.Split(dataset, "_")
	if len(parts) < 2 || parts[0] != "landsat" {
		return ""
	}
	return parts[1]
}

// CheckpointKey is the storage key of the checkpoint, at the root of the bucket
const CheckpointKey = "last_downloaded_day.json"

// StorageKey returns the key of the artifact of a scene: dataset/filename.
// The directory part of filename is dropped to prevent collisions.
func StorageKey(dataset, filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	return dataset + "/" + path.Base(filename)
}

// MTLFileName is the metadata XML of the scene
func MTLFileName(displayID string) string { return displayID + "_MTL.xml" }

// ANGFileName is the angle coefficients of the scene
func ANGFileName(displayID string) string { return displayID + "_ANG.txt" }

// STACFileName is the catalog item provided by the archive
func STACFileName(displayID string) string { return displayID + "_stac.json" }

// ThumbnailFileName is the RGB thumbnail
func ThumbnailFileName(displayID string) string { return displayID + "_thumbnail.jpg" }

// FeatureFileName is the catalog item as registered
func FeatureFileName(displayID string) string { return displayID + "_feature.json" }

// FeatureIDFileName is the registration marker
func FeatureIDFileName(displayID string) string { return displayID + "_featureId.json" }

// BandFileName returns the name of the band in the archive
func BandFileName(displayID string, band int) string {
	return fmt.Sprintf("%s_B%d.TIF", displayID, band)
}

var landsatDisplayID = regexp.MustCompile(`^L[COTEM]0[1-9]_L[12][A-Z0-9]{2}_\d{6}_\d{8}_\d{8}_\d{2}_[A-Z0-9]{2}`)

// IsLandsatDisplayID returns true if the name looks like LXSS_LLLL_PPPRRR_YYYYMMDD_yyyymmdd_CC_TX
func IsLandsatDisplayID(sceneName string) bool {
	return landsatDisplayID.MatchString(sceneName)
}

// Platform returns the platform of the scene (landsat-N)
func Platform(sceneName string) (string, error) {
	if !IsLandsatDisplayID(sceneName) {
		return "", fmt.Errorf("Platform: invalid Landsat file name: %s", sceneName)
	}
	return "landsat-" + strings.TrimLeft(sceneName[2:4], "0"), nil
}

// GetDateFromProductId returns the acquisition date of the scene
func GetDateFromProductId(sceneName string) (time.Time, error) {
	format, err := Info(sceneName)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse("20060102", format["DATE"])
}

// Info parses a Landsat display id (LC09_L1GT_166003_20250603_20250603_02_T2)
func Info(sceneName string) (map[string]string, error) {
	if !IsLandsatDisplayID(sceneName) {
		return nil, fmt.Errorf("invalid Landsat file name: %s", sceneName)
	}
	sensor := "oli-tirs"
	switch sceneName[1:2] {
	case "O":
		sensor = "oli"
	case "T":
		sensor = "tm"
	case "E":
		sensor = "etm"
	case "M":
		sensor = "mss"
	}
	// Landsat 8/9 TIRS only
	if sensor == "tm" && (sceneName[2:4] == "08" || sceneName[2:4] == "09") {
		sensor = "tirs"
	}

	return map[string]string{
		"SCENE":             sceneName[0:40],
		"MISSION_ID":        sceneName[0:1] + sceneName[2:4],
		"SENSOR":            sensor,
		"PROCESSING_LEVEL":  sceneName[5:9],
		"PATH":              sceneName[10:13],
		"ROW":               sceneName[13:16],
		"DATE":              sceneName[17:25],
		"YEAR":              sceneName[17:21],
		"MONTH":             sceneName[21:23],
		"DAY":               sceneName[23:25],
		"PROCESSING_DATE":   sceneName[26:34],
		"COLLECTION_NUMBER": sceneName[35:37],
		"CATEGORY":          sceneName[38:40],
	}, nil
}

/**
 * FormatBrackets replaces in <str> all {keys} of <info> by the corresponding value
 */
func FormatBrackets(str string, infos ...map[string]string) string {
	for _, info := range infos {
		for k, v := range info {
			str = strings.ReplaceAll(str, "{"+k+"}", v)
		}
	}
	return str
}
