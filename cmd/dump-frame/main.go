package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MilkTool/NativeJIT/codegen"
	"github.com/MilkTool/NativeJIT/platform"
)

// Frame description loaded from a yaml file.  Register lists use the
// architecture names (rbx, r12, xmm7, ...).
type frameConfig struct {
	Name             string   `yaml:"name"`
	MaxCallArguments int      `yaml:"max-call-arguments"`
	LocalSlots       int      `yaml:"local-slots"`
	SavedGeneral     []string `yaml:"saved-general"`
	SavedFloat       []string `yaml:"saved-float"`
	SetFrameRegister bool     `yaml:"set-frame-register"`
}

func registerMask(names []string, wantFloat bool) (uint32, error) {
	mask := uint32(0)
	for _, name := range names {
		register := platform.ArchitectureRegisters.ByName(name)
		if register.AllowFloatOp != wantFloat {
			return 0, fmt.Errorf("register kind mismatch: %s", name)
		}
		mask |= register.Mask()
	}
	return mask, nil
}

func dump(config frameConfig) error {
	savedGeneral, err := registerMask(config.SavedGeneral, false)
	if err != nil {
		return err
	}
	savedFloat, err := registerMask(config.SavedFloat, true)
	if err != nil {
		return err
	}

	baseRegisterType := codegen.BaseRegisterUnused
	if config.SetFrameRegister {
		baseRegisterType = codegen.BaseRegisterSetRbpToOriginalRsp
	}

	spec := codegen.NewFunctionSpecification(
		config.MaxCallArguments,
		config.LocalSlots,
		savedGeneral,
		savedFloat,
		baseRegisterType,
		nil)

	fmt.Println("Frame:", config.Name)
	fmt.Println("  allocation bytes:", spec.OffsetToOriginalRsp())
	fmt.Println("  locals offset:", spec.LocalsByteOffset())

	fmt.Printf("  prolog (%d bytes): % x\n", spec.PrologLength(), spec.Prolog())
	fmt.Printf("  epilog (%d bytes): % x\n", spec.EpilogLength(), spec.Epilog())

	info := spec.UnwindInfo()
	fmt.Printf(
		"  unwind info: version=%d prolog-size=%d codes=%d\n",
		info.Version,
		info.SizeOfProlog,
		info.CountOfCodes())
	for _, code := range info.Codes {
		fmt.Println("   ", code)
	}
	fmt.Printf("  encoded (%d bytes): % x\n",
		spec.UnwindInfoByteLength(),
		spec.UnwindInfoBuffer())
	return nil
}

func main() {
	for _, fileName := range os.Args[1:] {
		fmt.Println("=====================")
		fmt.Println("File name:", fileName)
		fmt.Println("---------------------")
		content, err := os.ReadFile(fileName)
		if err != nil {
			fmt.Println("ReadFile error:", err)
			continue
		}

		configs := []frameConfig{}
		err = yaml.Unmarshal(content, &configs)
		if err != nil {
			fmt.Println("Unmarshal error:", err)
			continue
		}

		for _, config := range configs {
			err = dump(config)
			if err != nil {
				fmt.Println("Frame error:", err)
			}
		}
	}
}
