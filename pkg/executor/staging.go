package executor

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/types"
)

// sceneExtensions lists every 3D format the engine can open. Root-file
// auto-detection picks the first file in the archive matching one of these.
var sceneExtensions = buildExtensionSet(
	"PXZ", "3DS", "ACIS", "SAT", "SAB", "DWG", "DXF", "WIRE", "FBX", "IPT",
	"IAM", "NWD", "NWC", "RVT", "RFA", "RCP", "RCS", "VPB", "CATPART",
	"CATPRODUCT", "CATSHAPE", "CGR", "3DXML", "ASM", "NEU", "PRT", "XAS",
	"XPR", "PVS", "PVZ", "CSB", "GLTF", "GLB", "GDS", "IFC", "IGS", "IGES",
	"JT", "OBJ", "X_B", "X_T", "P_T", "P_B", "XMT", "XMT_TXT", "XMT_BIN",
	"PDF", "PLMXML", "E57", "PTS", "PTX", "PRC", "3DM", "RVM", "SKP", "PAR",
	"PWD", "PSM", "SLDASM", "SLDPRT", "STP", "STEP", "STPZ", "STEPZ", "STPX",
	"STPXZ", "STL", "U3D", "USD", "USDZ", "USDA", "USDC", "VDA", "WRL", "VRML",
)

func buildExtensionSet(exts ...string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[e] = true
	}
	return set
}

// IsArchive reports whether name is an input bundle to extract
func IsArchive(name string) bool {
	return strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".tar.gz")
}

// IsSceneFile reports whether name has a recognized 3D extension
func IsSceneFile(name string) bool {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return sceneExtensions[strings.ToUpper(ext)]
}

// StagedInput is a task's prepared input: File points at the scene to open,
// Dir at the directory containing it. Close removes the extraction
// directory when one was created.
type StagedInput struct {
	Dir  string
	File string

	tempDir string
}

// Close removes the extraction directory, if any
func (s *StagedInput) Close() {
	if s.tempDir == "" {
		return
	}
	if err := os.RemoveAll(s.tempDir); err != nil {
		log.Logger.Warn().Err(err).Str("dir", s.tempDir).Msg("failed to remove staging dir")
	}
}

// stageInput prepares inputPath for execution. Archives are extracted into
// a fresh directory under tmpBase and the root scene file resolved: an
// explicit rootFile (no traversal allowed) or the first recognized 3D file.
func stageInput(inputPath, rootFile, tmpBase string) (*StagedInput, error) {
	if inputPath == "" {
		return &StagedInput{}, nil
	}
	if strings.Contains(rootFile, "..") {
		return nil, fmt.Errorf("%w: root file contains invalid characters: %s", types.ErrInvalidPath, rootFile)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return nil, fmt.Errorf("%w: input %s not found on the shared storage", types.ErrPathNotFound, inputPath)
	}

	if !IsArchive(inputPath) {
		return &StagedInput{Dir: filepath.Dir(inputPath), File: inputPath}, nil
	}

	dir, err := os.MkdirTemp(tmpBase, "input-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	staged := &StagedInput{Dir: dir, tempDir: dir}

	if strings.HasSuffix(inputPath, ".zip") {
		err = extractZip(inputPath, dir)
	} else {
		err = extractTarGz(inputPath, dir)
	}
	if err != nil {
		staged.Close()
		return nil, err
	}

	if rootFile != "" {
		staged.File = filepath.Join(dir, rootFile)
	} else {
		staged.File = firstSceneFile(dir)
	}
	if staged.File == "" {
		staged.Close()
		return nil, fmt.Errorf("%w: no 3D file was found in %s", types.ErrPathNotFound, filepath.Base(inputPath))
	}
	if _, err := os.Stat(staged.File); err != nil {
		staged.Close()
		return nil, fmt.Errorf("%w: the 3D file was not found in %s", types.ErrPathNotFound, filepath.Base(inputPath))
	}
	return staged, nil
}

// firstSceneFile walks dir and returns the first file with a recognized 3D
// extension, or empty
func firstSceneFile(dir string) string {
	var found string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}
		if IsSceneFile(d.Name()) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// safeJoin joins name under dir rejecting escapes, the usual zip-slip guard
func safeJoin(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if !strings.HasPrefix(path, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: archive entry escapes extraction dir: %s", types.ErrInvalidPath, name)
	}
	return path, nil
}

func extractZip(src, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		path, err := safeJoin(dst, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFileFrom(path, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		path, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := writeFileFrom(path, tr); err != nil {
				return err
			}
		}
	}
}

func writeFileFrom(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}
