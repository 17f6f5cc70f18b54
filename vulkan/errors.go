package vulkan

import (
	"fmt"
	"runtime"
	"strings"

	vk "github.com/vulkan-go/vulkan"
)

func isError(ret vk.Result) bool {
	return ret != vk.Success
}

// newError converts a failed result into an error naming the Vulkan code
// and the function that received it. It returns nil for vk.Success.
func newError(ret vk.Result) error {
	if !isError(ret) {
		return nil
	}
	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return fmt.Errorf("vulkan error: %s (%d)", vk.Error(ret).Error(), ret)
	}
	return fmt.Errorf("vulkan error: %s (%d) on %s", vk.Error(ret).Error(), ret, frameName(pc))
}

func frameName(pc uintptr) string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// orPanic is used inside enumerations; checkErr turns the panic back into
// an error at the exported boundary.
func orPanic(err error, finalizers ...func()) {
	if err != nil {
		for _, fn := range finalizers {
			fn()
		}
		panic(err)
	}
}

func checkErr(err *error) {
	if v := recover(); v != nil {
		if e, ok := v.(error); ok {
			*err = e
			return
		}
		*err = fmt.Errorf("%+v", v)
	}
}
